// Package manager owns the authoritative map from VM identifier to live
// handle and drives every VM through its backend. Exactly one goroutine —
// Manager.Run — ever touches the map; every other caller reaches it by
// sending a commandbus.Message and waiting on the reply.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/vanguard/internal/commandbus"
	"github.com/seantiz/vanguard/internal/idgen"
	"github.com/seantiz/vanguard/internal/vmm"
)

// ErrNotFound is returned by Delete when id names no live VM.
var ErrNotFound = errors.New("manager: vm not found")

// VMInfo is the manager's reported view of one VM. It is marshaled
// directly onto the wire by internal/rpcadapter.
type VMInfo struct {
	ID       vmm.ID   `json:"id"`
	State    string   `json:"state"`
	Reason   string   `json:"reason,omitempty"`
	Metrics  Metrics  `json:"metrics"`
}

// Metrics is the metrics sub-object of VMInfo. Any field may be zero when
// the backend declined (or failed) to report it.
type Metrics struct {
	CPUFraction float64 `json:"cpuFraction"`
	MemoryBytes uint64  `json:"memoryBytes"`
	NetBytesIn  uint64  `json:"netBytesIn"`
	NetBytesOut uint64  `json:"netBytesOut"`
}

// WorkerInfo is the manager's reported view of the worker itself.
type WorkerInfo struct {
	ID          string `json:"id"`
	Generation  uint64 `json:"generation"`
	LiveVMCount int    `json:"liveVmCount"`
}

type handle struct {
	id         vmm.ID
	spec       vmm.Spec
	client     vmm.Vmm
	process    vmm.Process
	socketPath string
	state      State
	reason     string
}

// Config tunes the manager's timeouts. Zero-valued fields fall back to
// sane defaults in New.
type Config struct {
	// WorkerID identifies this worker on the wire. Empty means "unknown".
	WorkerID string
	// DeleteGraceTimeout bounds how long Delete waits for a graceful
	// Shutdown before escalating to Kill.
	DeleteGraceTimeout time.Duration
}

// Manager owns the handle map and is generic over the backend so the same
// command loop drives the cloud-hypervisor backend, the firecracker
// backend, or vmmtest.Backend without any branching.
type Manager struct {
	backend vmm.Backend
	ids     *idgen.Generator
	bus     *commandbus.Bus
	logger  *slog.Logger
	cfg     Config
	metrics *Instrumentation

	handles  map[vmm.ID]*handle
	order    []vmm.ID // insertion order, for List's stability guarantee
	recorder AuditRecorder
}

// SetAuditRecorder attaches an audit trail. Optional — a Manager with no
// recorder simply skips the audit step.
func (m *Manager) SetAuditRecorder(r AuditRecorder) {
	m.recorder = r
}

// New constructs a Manager. It does not start the command loop — call Run
// for that, normally in its own goroutine.
func New(backend vmm.Backend, bus *commandbus.Bus, ids *idgen.Generator, logger *slog.Logger, cfg Config) *Manager {
	if cfg.DeleteGraceTimeout <= 0 {
		cfg.DeleteGraceTimeout = 5 * time.Second
	}
	return &Manager{
		backend: backend,
		ids:     ids,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		metrics: newInstrumentation(),
		handles: make(map[vmm.ID]*handle),
	}
}

// Run processes commands off the bus one at a time until ctx is canceled.
// It is the manager's sole owner of the handle map. On exit it shuts the
// bus down, so every command still queued — and every Send still
// waiting, enqueued or not — resolves to ErrManagerDown instead of
// hanging until its caller's own context expires.
func (m *Manager) Run(ctx context.Context) {
	defer m.bus.Shutdown()
	for {
		msg, ok := m.bus.Recv(ctx)
		if !ok {
			return
		}
		m.metrics.queueDepth.Set(float64(m.bus.Len()))
		m.dispatch(ctx, msg)
	}
}

func (m *Manager) dispatch(ctx context.Context, msg commandbus.Message) {
	switch p := msg.Payload.(type) {
	case commandbus.CreatePayload:
		id, err := m.create(ctx, p.Spec)
		m.audit(ctx, "create", string(id), err)
		msg.Reply <- commandbus.Result{Response: id, Err: err}
	case commandbus.DeletePayload:
		err := m.delete(ctx, p.ID)
		m.audit(ctx, "delete", string(p.ID), err)
		msg.Reply <- commandbus.Result{Response: struct{}{}, Err: err}
	case commandbus.ListPayload:
		vms := m.list(ctx)
		m.audit(ctx, "list", "", nil)
		msg.Reply <- commandbus.Result{Response: vms, Err: nil}
	case commandbus.StatusPayload:
		status := m.status()
		m.audit(ctx, "status", "", nil)
		msg.Reply <- commandbus.Result{Response: status, Err: nil}
	default:
		msg.Reply <- commandbus.Result{Err: fmt.Errorf("manager: unknown payload type %T", p)}
	}
}

// AuditRecorder is the narrow interface internal/audit.Log satisfies.
// Defined here, not imported from internal/audit, so the manager never
// depends on the audit package's storage choice — only on "can record a
// completed command."
type AuditRecorder interface {
	Record(ctx context.Context, kind string, vmID string, cmdErr error) error
}

// audit appends a best-effort record of a completed command. A failure to
// record is logged, never surfaced to the caller — the audit trail is
// diagnostic only and must never affect command outcomes.
func (m *Manager) audit(ctx context.Context, kind, vmID string, cmdErr error) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(ctx, kind, vmID, cmdErr); err != nil {
		m.logger.Warn("audit: failed to record command", "kind", kind, "error", err)
	}
}

// create runs the five-step Create pipeline with full rollback on any
// failure: no handle is ever inserted unless every step succeeded.
func (m *Manager) create(ctx context.Context, spec vmm.Spec) (vmm.ID, error) {
	start := time.Now()
	id := m.ids.Next()

	if err := m.backend.Prepare(ctx, spec); err != nil {
		return "", fmt.Errorf("prepare vm %s: %w", id, err)
	}

	client, process, socketPath, err := m.backend.Spawn(ctx, id)
	if err != nil {
		return "", fmt.Errorf("spawn vm %s: %w", id, err)
	}

	cfg, err := m.backend.BuildConfig(spec)
	if err != nil {
		m.rollback(ctx, id, process)
		return "", fmt.Errorf("build config for vm %s: %w", id, err)
	}

	if err := client.Create(ctx, cfg); err != nil {
		m.rollback(ctx, id, process)
		return "", fmt.Errorf("create vm %s: %w", id, err)
	}

	if err := client.Boot(ctx); err != nil {
		m.rollback(ctx, id, process)
		return "", fmt.Errorf("boot vm %s: %w", id, err)
	}

	m.handles[id] = &handle{
		id:         id,
		spec:       spec,
		client:     client,
		process:    process,
		socketPath: socketPath,
		state:      Running,
	}
	m.order = append(m.order, id)

	m.metrics.createDuration.Observe(time.Since(start).Seconds())
	m.metrics.liveVMs.Set(float64(len(m.handles)))
	m.logger.Info("vm created", "id", id, "elapsed_ms", time.Since(start).Milliseconds())

	return id, nil
}

// rollback unwinds a partially-started VM: kill the subprocess if one was
// spawned, unlink its socket, and leave no trace in the map. Best-effort —
// a rollback failure is logged, never returned, since the caller already
// has the original failure to report.
func (m *Manager) rollback(ctx context.Context, id vmm.ID, process vmm.Process) {
	if process == nil {
		return
	}
	if err := process.Kill(ctx); err != nil {
		m.logger.Warn("rollback: kill failed", "id", id, "error", err)
	}
	if err := process.Cleanup(ctx); err != nil {
		m.logger.Warn("rollback: cleanup failed", "id", id, "error", err)
	}
}

// delete runs a best-effort sequential teardown: every step after lookup
// is attempted regardless of earlier failures, the first failure is what's
// returned, and the handle is removed from the map no matter what.
func (m *Manager) delete(ctx context.Context, id vmm.ID) error {
	h, ok := m.handles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.handles, id)
	m.removeFromOrder(id)
	h.state = Stopping

	var firstErr error
	recordFirst := func(step string, err error) {
		if err == nil {
			return
		}
		m.logger.Warn("delete: step failed", "id", id, "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s vm %s: %w", step, id, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.DeleteGraceTimeout)
	recordFirst("shutdown", h.client.Shutdown(shutdownCtx))
	cancel()

	recordFirst("delete", h.client.Delete(ctx))
	recordFirst("kill", h.process.Kill(ctx))
	recordFirst("cleanup", h.process.Cleanup(ctx))

	m.metrics.liveVMs.Set(float64(len(m.handles)))
	m.logger.Info("vm deleted", "id", id, "ok", firstErr == nil)

	return firstErr
}

func (m *Manager) removeFromOrder(id vmm.ID) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// list snapshots the map in insertion order. A per-entry Info/Counters
// failure degrades that one entry to zeroed metrics plus its last known
// state — it never fails the whole call.
func (m *Manager) list(ctx context.Context) []VMInfo {
	out := make([]VMInfo, 0, len(m.order))
	for _, id := range m.order {
		h, ok := m.handles[id]
		if !ok {
			continue
		}
		out = append(out, m.snapshot(ctx, h))
	}
	return out
}

func (m *Manager) snapshot(ctx context.Context, h *handle) VMInfo {
	info := VMInfo{ID: h.id, State: h.state.String(), Reason: h.reason}

	if liveInfo, err := h.client.Info(ctx); err != nil {
		m.logger.Warn("list: info degraded", "id", h.id, "error", err)
		return info
	} else if !liveInfo.Alive {
		info.State = Failed.String()
		info.Reason = liveInfo.Reason
	}

	counters, err := h.client.Counters(ctx)
	if err != nil {
		m.logger.Warn("list: counters degraded", "id", h.id, "error", err)
		return info
	}
	info.Metrics = Metrics{
		CPUFraction: counters.CPUFraction,
		MemoryBytes: counters.MemoryBytes,
		NetBytesIn:  counters.NetBytesIn,
		NetBytesOut: counters.NetBytesOut,
	}
	return info
}

func (m *Manager) status() WorkerInfo {
	id := m.cfg.WorkerID
	if id == "" {
		id = "unknown"
	}
	return WorkerInfo{
		ID:          id,
		Generation:  0, // no upstream reconciler exists, so no generation has ever been accepted
		LiveVMCount: len(m.handles),
	}
}
