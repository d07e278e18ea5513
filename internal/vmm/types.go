package vmm

import (
	"context"
	"errors"
)

// ID is a VM identifier minted by internal/idgen. Lexicographic order
// tracks creation order, and a value is never reused after its VM is
// deleted.
type ID string

func (id ID) String() string { return string(id) }

// ErrUnsupported is returned by optional operations (Pause, Resume,
// Counters) on backends that do not implement them.
var ErrUnsupported = errors.New("vmm: operation not supported by this backend")

// Config is the backend-specific payload BuildConfig produces from a Spec.
// It carries exactly what the backend's create call needs — no more.
type Config struct {
	KernelPath    string
	InitrdPath    string
	DiskImagePath string
	Cmdline       string
	CPU           int
	MemoryMB      int
}

// Counters reports cumulative metrics for one VM. NetBytesIn/NetBytesOut
// may legitimately be zero when a backend declines to report them.
type Counters struct {
	CPUFraction float64
	MemoryBytes uint64
	NetBytesIn  uint64
	NetBytesOut uint64
}

// Info reports a backend's own view of a VM's liveness. It is a narrower,
// backend-facing counterpart to manager.State — the manager translates Info
// into its own state tag rather than exposing this type on the wire.
type Info struct {
	Alive  bool
	Reason string // populated when Alive is false
}

// Vmm is the per-VM client contract. Every method is one fallible,
// blocking operation against a single running VM.
type Vmm interface {
	Create(ctx context.Context, cfg Config) error
	Boot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Delete(ctx context.Context) error
	Info(ctx context.Context) (Info, error)
	Counters(ctx context.Context) (Counters, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Process is a handle on the subprocess backing one VM.
type Process interface {
	Kill(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Backend is the factory contract a concrete hypervisor integration
// implements. Prepare defaults to a no-op; it is the one sanctioned
// extension point for a future content-store cache pull.
type Backend interface {
	Prepare(ctx context.Context, spec Spec) error
	Spawn(ctx context.Context, id ID) (Vmm, Process, string, error)
	BuildConfig(spec Spec) (Config, error)
}
