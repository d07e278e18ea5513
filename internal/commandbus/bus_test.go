package commandbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendReceivesReply(t *testing.T) {
	bus := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		msg, ok := bus.Recv(ctx)
		if !ok {
			t.Error("Recv returned !ok unexpectedly")
			return
		}
		msg.Reply <- Result{Response: "ok", Err: nil}
		close(done)
	}()

	resp, err := bus.Send(ctx, ListPayload{})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("expected response %q, got %v", "ok", resp)
	}
	<-done
}

func TestSendRespectsContextCancellation(t *testing.T) {
	bus := New(0) // unbuffered-equivalent: capacity coerced to 1
	// fill the single slot so the next send blocks
	ctx := context.Background()
	filler := Message{Payload: ListPayload{}, Reply: make(chan Result, 1)}
	bus.ch <- filler

	sendCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := bus.Send(sendCtx, ListPayload{})
	if err == nil {
		t.Fatal("expected Send to fail once its context deadline passed")
	}
}

func TestLenReflectsQueueDepth(t *testing.T) {
	bus := New(4)
	if bus.Len() != 0 {
		t.Fatalf("expected empty bus, got len %d", bus.Len())
	}
	bus.ch <- Message{Payload: ListPayload{}, Reply: make(chan Result, 1)}
	if bus.Len() != 1 {
		t.Fatalf("expected len 1, got %d", bus.Len())
	}
}

func TestShutdownFailsQueuedSendsWithErrManagerDown(t *testing.T) {
	bus := New(4)
	ctx := context.Background()

	// Queue a command nobody will ever Recv.
	resultCh := make(chan error, 1)
	go func() {
		_, err := bus.Send(ctx, ListPayload{})
		resultCh <- err
	}()

	// Give the goroutine a moment to enqueue before shutting the bus down.
	time.Sleep(10 * time.Millisecond)
	bus.Shutdown()

	select {
	case err := <-resultCh:
		if !errors.Is(err, ErrManagerDown) {
			t.Fatalf("Send error = %v, want ErrManagerDown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Shutdown")
	}
}

func TestShutdownFailsFutureSendsImmediately(t *testing.T) {
	bus := New(4)
	bus.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.Send(ctx, ListPayload{})
	if !errors.Is(err, ErrManagerDown) {
		t.Fatalf("Send error = %v, want ErrManagerDown", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	bus := New(1)
	bus.Shutdown()
	bus.Shutdown()
}
