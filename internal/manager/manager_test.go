package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/vanguard/internal/commandbus"
	"github.com/seantiz/vanguard/internal/idgen"
	"github.com/seantiz/vanguard/internal/vmm"
	"github.com/seantiz/vanguard/internal/vmm/vmmtest"
)

func testSpec() vmm.Spec {
	return vmm.Spec{
		Toplevel:      "store://toplevel",
		KernelPath:    "store://kernel",
		InitrdPath:    "store://initrd",
		DiskImagePath: "store://disk",
		Cmdline:       "console=ttyS0",
		CPU:           1,
		MemoryMB:      128,
	}
}

func newTestManager(t *testing.T) (*Manager, *vmmtest.Backend, context.Context, context.CancelFunc) {
	t.Helper()
	backend := vmmtest.NewBackend()
	bus := commandbus.New(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(backend, bus, idgen.New(), logger, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return m, backend, ctx, cancel
}

func create(t *testing.T, ctx context.Context, bus *commandbus.Bus, spec vmm.Spec) (vmm.ID, error) {
	t.Helper()
	resp, err := bus.Send(ctx, commandbus.CreatePayload{Spec: spec})
	if err != nil {
		return "", err
	}
	return resp.(vmm.ID), nil
}

func TestCreateSuccessInsertsHandle(t *testing.T) {
	m, backend, ctx, _ := newTestManager(t)
	bus := m.bus

	id, err := create(t, ctx, bus, testSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
	if backend.SpawnCalls.Load() != 1 {
		t.Fatalf("expected 1 spawn call, got %d", backend.SpawnCalls.Load())
	}

	resp, err := bus.Send(ctx, commandbus.ListPayload{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	vms := resp.([]VMInfo)
	if len(vms) != 1 || vms[0].ID != id {
		t.Fatalf("expected list to contain the created vm, got %+v", vms)
	}
}

func TestCreateFailureSitesLeaveNoPartialState(t *testing.T) {
	for _, method := range []string{"Prepare", "Spawn", "BuildConfig", "Create", "Boot"} {
		t.Run(method, func(t *testing.T) {
			m, backend, ctx, _ := newTestManager(t)
			bus := m.bus
			backend.SetFailure(method, errors.New("injected failure"))

			_, err := create(t, ctx, bus, testSpec())
			if err == nil {
				t.Fatalf("expected create to fail when %s is injected", method)
			}

			resp, err := bus.Send(ctx, commandbus.ListPayload{})
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if vms := resp.([]VMInfo); len(vms) != 0 {
				t.Fatalf("expected no vms after failed create, got %+v", vms)
			}

			// For failures after Spawn, confirm Spawn really ran, so the
			// empty list above shows a rollback of an acquired client and
			// process. Kill/Cleanup counts are not asserted here.
			if method != "Prepare" && method != "Spawn" {
				// Spawn must have happened for later-step failures.
				if backend.SpawnCalls.Load() != 1 {
					t.Fatalf("expected spawn to have occurred before %s failed", method)
				}
			}
		})
	}
}

func TestDeleteIsTotalEvenWithDownstreamFailures(t *testing.T) {
	m, backend, ctx, _ := newTestManager(t)
	bus := m.bus

	id, err := create(t, ctx, bus, testSpec())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	backend.SetFailure("Shutdown", errors.New("shutdown boom"))
	backend.SetFailure("Delete", errors.New("delete boom"))
	backend.SetFailure("Kill", errors.New("kill boom"))
	backend.SetFailure("Cleanup", errors.New("cleanup boom"))

	_, err = bus.Send(ctx, commandbus.DeletePayload{ID: id})
	if err == nil {
		t.Fatal("expected delete to surface the first failure")
	}

	resp, err := bus.Send(ctx, commandbus.ListPayload{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if vms := resp.([]VMInfo); len(vms) != 0 {
		t.Fatalf("expected handle removed regardless of cleanup failures, got %+v", vms)
	}
}

func TestDeleteUnknownIDFails(t *testing.T) {
	m, _, ctx, _ := newTestManager(t)
	_, err := m.bus.Send(ctx, commandbus.DeletePayload{ID: "does-not-exist"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrderingIsInsertionOrder(t *testing.T) {
	m, _, ctx, _ := newTestManager(t)
	bus := m.bus

	var ids []vmm.ID
	for i := 0; i < 5; i++ {
		id, err := create(t, ctx, bus, testSpec())
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}

	resp, err := bus.Send(ctx, commandbus.ListPayload{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	vms := resp.([]VMInfo)
	if len(vms) != len(ids) {
		t.Fatalf("expected %d vms, got %d", len(ids), len(vms))
	}
	for i, id := range ids {
		if vms[i].ID != id {
			t.Fatalf("expected position %d to be %s, got %s", i, id, vms[i].ID)
		}
	}
}

func TestConcurrentCreatesYieldDistinctIDs(t *testing.T) {
	m, _, ctx, _ := newTestManager(t)
	bus := m.bus

	const n = 20
	ids := make([]vmm.ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := create(t, ctx, bus, testSpec())
			if err != nil {
				t.Errorf("create %d failed: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[vmm.ID]bool, n)
	for _, id := range ids {
		if id == "" {
			t.Fatal("unexpected empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s among concurrent creates", id)
		}
		seen[id] = true
	}

	resp, err := bus.Send(ctx, commandbus.ListPayload{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if vms := resp.([]VMInfo); len(vms) != n {
		t.Fatalf("expected %d vms in list, got %d", n, len(vms))
	}
}

func TestCancellationDoesNotCorruptState(t *testing.T) {
	m, _, ctx, _ := newTestManager(t)
	bus := m.bus

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel() // already canceled before the send begins

	_, err := bus.Send(cancelCtx, commandbus.CreatePayload{Spec: testSpec()})
	if err == nil {
		t.Log("create raced the canceled context and completed before it was observed; not a failure")
	}

	// Give the manager a moment to have processed (or not) the in-flight
	// command, then confirm the manager is still in a consistent state by
	// performing an ordinary successful create.
	time.Sleep(20 * time.Millisecond)
	id, err := create(t, ctx, bus, testSpec())
	if err != nil {
		t.Fatalf("manager did not recover a usable state after a canceled caller: %v", err)
	}
	if id == "" {
		t.Fatal("expected a valid id after recovery")
	}
}
