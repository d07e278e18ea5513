// Package commandbus is the sole path into the VM manager: a bounded,
// multi-producer single-consumer channel of Message, each carrying a
// one-shot reply slot. Bounded capacity is the system's only backpressure
// mechanism.
package commandbus

import (
	"context"
	"errors"
	"sync"

	"github.com/seantiz/vanguard/internal/vmm"
)

// ErrManagerDown is returned when the manager goroutine has stopped
// consuming — either Send never got to enqueue, or it enqueued but the
// manager exited before replying.
var ErrManagerDown = errors.New("commandbus: manager is not running")

// CreatePayload requests creation of a new VM.
type CreatePayload struct{ Spec vmm.Spec }

// DeletePayload requests deletion of an existing VM.
type DeletePayload struct{ ID vmm.ID }

// ListPayload requests a snapshot of every live VM.
type ListPayload struct{}

// StatusPayload requests the worker's own status.
type StatusPayload struct{}

// Result is what the manager sends back on a Message's Reply channel.
type Result struct {
	Response any
	Err      error
}

// Message is one command in flight. Reply is always buffered to 1 so the
// manager's send into it never blocks on a receiver that has stopped
// listening.
type Message struct {
	Payload any
	Reply   chan Result
}

// Bus is a bounded channel of Message plus the bookkeeping Manager needs
// to report its queue depth and to signal shutdown to every pending Send.
type Bus struct {
	ch        chan Message
	down      chan struct{}
	closeOnce sync.Once
}

// New constructs a Bus with the given capacity. Capacity <= 0 is treated
// as 1 — an unbounded bus defeats the point of the backpressure knob.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{ch: make(chan Message, capacity), down: make(chan struct{})}
}

// Send enqueues payload and waits for the manager's reply, ctx
// cancellation, or the bus going down, whichever comes first. Once the
// bus is down, Send never blocks waiting on either the channel or a
// reply — it returns ErrManagerDown immediately.
func (b *Bus) Send(ctx context.Context, payload any) (any, error) {
	msg := Message{Payload: payload, Reply: make(chan Result, 1)}

	select {
	case b.ch <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.down:
		return nil, ErrManagerDown
	}

	select {
	case result := <-msg.Reply:
		return result.Response, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.down:
		return nil, ErrManagerDown
	}
}

// Recv is called only by the manager goroutine to pull the next command.
// ok is false once ctx is done — the manager's Run loop should exit and
// call Shutdown.
func (b *Bus) Recv(ctx context.Context) (Message, bool) {
	select {
	case msg := <-b.ch:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

// Len reports the number of commands currently queued, for the manager's
// queue-depth gauge.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Shutdown marks the bus down and drains every command still queued,
// replying ErrManagerDown to each so no caller blocked in Send waits past
// the moment the manager actually stopped. Idempotent; safe to call more
// than once. The manager calls this once, after its Run loop returns.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() {
		close(b.down)
		for {
			select {
			case msg := <-b.ch:
				msg.Reply <- Result{Err: ErrManagerDown}
			default:
				return
			}
		}
	})
}
