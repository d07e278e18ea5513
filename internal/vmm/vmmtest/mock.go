// Package vmmtest provides an in-memory vmm.Backend double: a call
// tracker for asserting exact call sequences, and per-method failure
// injection for exercising the manager's rollback and cleanup paths.
package vmmtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seantiz/vanguard/internal/vmm"
)

// Backend is a vmm.Backend double. Construct it with NewBackend; the zero
// value's maps are nil, so SetFailure and Spawn panic on it.
type Backend struct {
	mu       sync.Mutex
	failures map[string]error

	PrepareCalls     atomic.Int64
	SpawnCalls       atomic.Int64
	BuildConfigCalls atomic.Int64

	// spawnedByID and spawnedProcByID record every client and process
	// Spawn has handed out, keyed by VM id, so a test can assert on a
	// specific VM's client or process after the fact (ClientFor, ProcessFor).
	mu2             sync.Mutex
	spawnedByID     map[vmm.ID]*Client
	spawnedProcByID map[vmm.ID]*Process
}

// NewBackend constructs a ready-to-use mock backend.
func NewBackend() *Backend {
	return &Backend{
		failures:        make(map[string]error),
		spawnedByID:     make(map[vmm.ID]*Client),
		spawnedProcByID: make(map[vmm.ID]*Process),
	}
}

// SetFailure arms method to fail with err on its next invocation. method is
// one of "Prepare", "Spawn", "BuildConfig", "Create", "Boot", "Shutdown",
// "Delete", "Info", "Counters", "Pause", "Resume", "Ping", "Kill",
// "Cleanup". Pass a nil err to clear a previously armed failure.
func (b *Backend) SetFailure(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

func (b *Backend) takeFailure(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err, ok := b.failures[method]
	if !ok {
		return nil
	}
	delete(b.failures, method)
	return err
}

// ClientFor returns the Client handed out for id by a prior Spawn, or nil
// if Spawn was never called for that id.
func (b *Backend) ClientFor(id vmm.ID) *Client {
	b.mu2.Lock()
	defer b.mu2.Unlock()
	return b.spawnedByID[id]
}

// ProcessFor returns the Process handed out for id by a prior Spawn.
func (b *Backend) ProcessFor(id vmm.ID) *Process {
	b.mu2.Lock()
	defer b.mu2.Unlock()
	return b.spawnedProcByID[id]
}

func (b *Backend) Prepare(ctx context.Context, spec vmm.Spec) error {
	b.PrepareCalls.Add(1)
	return b.takeFailure("Prepare")
}

func (b *Backend) Spawn(ctx context.Context, id vmm.ID) (vmm.Vmm, vmm.Process, string, error) {
	b.SpawnCalls.Add(1)
	if err := b.takeFailure("Spawn"); err != nil {
		return nil, nil, "", err
	}
	client := &Client{backend: b, id: id}
	proc := &Process{backend: b, id: id}

	b.mu2.Lock()
	b.spawnedByID[id] = client
	b.spawnedProcByID[id] = proc
	b.mu2.Unlock()

	return client, proc, fmt.Sprintf("mock://socket/%s", id), nil
}

func (b *Backend) BuildConfig(spec vmm.Spec) (vmm.Config, error) {
	b.BuildConfigCalls.Add(1)
	if err := b.takeFailure("BuildConfig"); err != nil {
		return vmm.Config{}, err
	}
	return vmm.Config{
		KernelPath:    spec.KernelPath,
		InitrdPath:    spec.InitrdPath,
		DiskImagePath: spec.DiskImagePath,
		Cmdline:       spec.Cmdline,
		CPU:           spec.CPU,
		MemoryMB:      spec.MemoryMB,
	}, nil
}

// Client is the per-VM vmm.Vmm double returned by Backend.Spawn.
type Client struct {
	backend *Backend
	id      vmm.ID

	CreateCalls   atomic.Int64
	BootCalls     atomic.Int64
	ShutdownCalls atomic.Int64
	DeleteCalls   atomic.Int64
	InfoCalls     atomic.Int64
	CountersCalls atomic.Int64
	PauseCalls    atomic.Int64
	ResumeCalls   atomic.Int64
	PingCalls     atomic.Int64

	mu       sync.Mutex
	lastCfg  vmm.Config
	deleted  bool
	booted   bool
	paused   bool
}

func (c *Client) Create(ctx context.Context, cfg vmm.Config) error {
	c.CreateCalls.Add(1)
	if err := c.backend.takeFailure("Create"); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastCfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Client) Boot(ctx context.Context) error {
	c.BootCalls.Add(1)
	if err := c.backend.takeFailure("Boot"); err != nil {
		return err
	}
	c.mu.Lock()
	c.booted = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.ShutdownCalls.Add(1)
	return c.backend.takeFailure("Shutdown")
}

func (c *Client) Delete(ctx context.Context) error {
	c.DeleteCalls.Add(1)
	if err := c.backend.takeFailure("Delete"); err != nil {
		return err
	}
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Info(ctx context.Context) (vmm.Info, error) {
	c.InfoCalls.Add(1)
	if err := c.backend.takeFailure("Info"); err != nil {
		return vmm.Info{}, err
	}
	c.mu.Lock()
	alive := c.booted && !c.deleted
	c.mu.Unlock()
	return vmm.Info{Alive: alive}, nil
}

func (c *Client) Counters(ctx context.Context) (vmm.Counters, error) {
	c.CountersCalls.Add(1)
	if err := c.backend.takeFailure("Counters"); err != nil {
		return vmm.Counters{}, err
	}
	return vmm.Counters{}, nil
}

func (c *Client) Pause(ctx context.Context) error {
	c.PauseCalls.Add(1)
	if err := c.backend.takeFailure("Pause"); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Resume(ctx context.Context) error {
	c.ResumeCalls.Add(1)
	if err := c.backend.takeFailure("Resume"); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	c.PingCalls.Add(1)
	return c.backend.takeFailure("Ping")
}

// Process is the vmm.Process double returned by Backend.Spawn.
type Process struct {
	backend *Backend
	id      vmm.ID

	KillCalls    atomic.Int64
	CleanupCalls atomic.Int64
}

func (p *Process) Kill(ctx context.Context) error {
	p.KillCalls.Add(1)
	return p.backend.takeFailure("Kill")
}

func (p *Process) Cleanup(ctx context.Context) error {
	p.CleanupCalls.Add(1)
	return p.backend.takeFailure("Cleanup")
}

var (
	_ vmm.Backend = (*Backend)(nil)
	_ vmm.Vmm     = (*Client)(nil)
	_ vmm.Process = (*Process)(nil)
)
