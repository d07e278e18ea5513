package cloudhv

import "fmt"

// Kind classifies a cloud-hypervisor backend failure per the error
// taxonomy: transport failures (dial/timeout), protocol failures (non-2xx,
// malformed body), and backend failures (the hypervisor's own reported
// error, carried through unmodified).
type Kind int

const (
	Transport Kind = iota
	Protocol
	BackendFailure
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case BackendFailure:
		return "backend"
	default:
		return "unknown"
	}
}

// Error wraps a cloud-hypervisor control-socket failure with its kind and,
// for BackendFailure, the hypervisor's own payload.
type Error struct {
	Kind    Kind
	Op      string
	Payload string
	Err     error
}

func (e *Error) Error() string {
	if e.Payload != "" {
		return fmt.Sprintf("cloudhv: %s (%s): %s", e.Op, e.Kind, e.Payload)
	}
	return fmt.Sprintf("cloudhv: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
