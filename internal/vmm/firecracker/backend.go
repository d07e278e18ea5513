// Package firecracker is a secondary, optional vmm.Backend: it spawns a
// Firecracker microVM per VM via firecracker-go-sdk. It is selected by
// setting VANGUARD_BACKEND=firecracker; cloud-hypervisor remains the
// reference backend. Like the cloud-hypervisor backend it never creates
// host networking; unlike it, it attaches a tap device to each VM, and the
// configured tap device must already exist.
package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/vanguard/internal/vmm"
)

const (
	vsockDeviceID  = "vsock0"
	rootfsDriveID  = "rootfs"
	vmSocketSuffix = ".sock"
	vsockSuffix    = "_vsock.sock"

	gracefulShutdownTimeout = 3 * time.Second
)

// Backend is the Firecracker vmm.Backend implementation.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New constructs a Firecracker backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:      cfg,
		logger:   logger,
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}
}

// VerifyBinary checks that the configured firecracker binary exists.
func (b *Backend) VerifyBinary() error {
	info, err := os.Stat(b.cfg.FirecrackerBin)
	if err != nil {
		return fmt.Errorf("locate firecracker binary at %s: %w", b.cfg.FirecrackerBin, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("firecracker binary at %s is not executable", b.cfg.FirecrackerBin)
	}
	return nil
}

// Prepare is a no-op. Firecracker images are assumed already present at
// the paths a Spec names.
func (b *Backend) Prepare(ctx context.Context, spec vmm.Spec) error {
	return nil
}

// BuildConfig maps a Spec onto a vmm.Config verbatim, same as the
// cloud-hypervisor backend. DiskImagePath becomes the rootfs drive,
// InitrdPath is unused by Firecracker and carried through unread. Neither
// networkAllowedDomains nor toplevel is inspected here, same as cloudhv.
func (b *Backend) BuildConfig(spec vmm.Spec) (vmm.Config, error) {
	return vmm.Config{
		KernelPath:    spec.KernelPath,
		InitrdPath:    spec.InitrdPath,
		DiskImagePath: spec.DiskImagePath,
		Cmdline:       spec.Cmdline,
		CPU:           spec.CPU,
		MemoryMB:      spec.MemoryMB,
	}, nil
}

// Spawn allocates a CID and a socket directory but does not start the
// machine — Create does that once it has a vmm.Config from BuildConfig.
// The returned Process owns CID release and directory cleanup regardless
// of whether the machine ever started.
func (b *Backend) Spawn(ctx context.Context, id vmm.ID) (vmm.Vmm, vmm.Process, string, error) {
	cid, err := b.allocateCID()
	if err != nil {
		return nil, nil, "", fmt.Errorf("allocate cid for vm %s: %w", id, err)
	}

	vmDir := filepath.Join(b.cfg.ScratchDir, id.String())
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		b.releaseCID(cid)
		return nil, nil, "", fmt.Errorf("create scratch dir for vm %s: %w", id, err)
	}

	socketPath := filepath.Join(vmDir, id.String()+vmSocketSuffix)
	vsockPath := filepath.Join(vmDir, id.String()+vsockSuffix)

	client := &client{
		id:         id,
		cfg:        b.cfg,
		cid:        cid,
		socketPath: socketPath,
		vsockPath:  vsockPath,
		logger:     b.logger,
	}
	process := &process{client: client, vmDir: vmDir, cid: cid, backend: b, logger: b.logger}
	return client, process, socketPath, nil
}

func (b *Backend) allocateCID() (uint32, error) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()

	const scanRange = 1024
	for i := uint32(0); i < scanRange; i++ {
		candidate := max(b.cidNext+i, MinCID)
		if !b.cidInUse[candidate] {
			b.cidInUse[candidate] = true
			b.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available vsock CIDs (%d slots scanned)", scanRange)
}

func (b *Backend) releaseCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	delete(b.cidInUse, cid)
}

// client is the vmm.Vmm implementation for one Firecracker microVM.
type client struct {
	id         vmm.ID
	cfg        Config
	cid        uint32
	socketPath string
	vsockPath  string
	logger     *slog.Logger

	mu      sync.Mutex
	machine *fcsdk.Machine
}

// Create builds and configures (but does not start) a Firecracker
// machine. The actual process is launched by Boot, matching the
// cloud-hypervisor backend's two-phase Create/Boot split even though
// firecracker-go-sdk itself conflates the two — keeping the split here
// means the manager's rollback sequencing needs no backend-specific case.
func (c *client) Create(ctx context.Context, cfg vmm.Config) error {
	fcCfg := fcsdk.Config{
		SocketPath:      c.socketPath,
		KernelImagePath: cfg.KernelPath,
		KernelArgs:      cfg.Cmdline,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(cfg.DiskImagePath),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					HostDevName: c.cfg.TapDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: c.vsockPath, CID: c.cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(cfg.CPU)),
			MemSizeMib: fcsdk.Int64(int64(cfg.MemoryMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: c.id.String(),
	}

	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(c.cfg.FirecrackerBin).
		WithSocketPath(c.socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		return fmt.Errorf("create machine for vm %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.machine = machine
	c.mu.Unlock()
	return nil
}

// Boot starts the machine created by Create.
func (c *client) Boot(ctx context.Context) error {
	c.mu.Lock()
	machine := c.machine
	c.mu.Unlock()
	if machine == nil {
		return fmt.Errorf("boot vm %s: not created", c.id)
	}
	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start vm %s: %w", c.id, err)
	}
	return nil
}

// Shutdown asks the machine to stop gracefully, falling back to a hard
// stop on timeout.
func (c *client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	machine := c.machine
	c.mu.Unlock()
	if machine == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()
	if err := machine.Shutdown(shutdownCtx); err != nil {
		if stopErr := machine.StopVMM(); stopErr != nil {
			return fmt.Errorf("shutdown vm %s: graceful failed (%v), force-stop failed: %w", c.id, err, stopErr)
		}
	}
	return nil
}

// Delete waits for the underlying process to exit. Socket and scratch
// directory removal is the Process's job, not the client's.
func (c *client) Delete(ctx context.Context) error {
	c.mu.Lock()
	machine := c.machine
	c.mu.Unlock()
	if machine == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()
	if err := machine.Wait(waitCtx); err != nil {
		return fmt.Errorf("wait for vm %s exit: %w", c.id, err)
	}
	return nil
}

// Info reports liveness by attempting a vsock handshake with the guest.
// firecracker-go-sdk exposes no separate "is it alive" call once the
// machine is running, so this reuses the same dial the Ping probe does.
func (c *client) Info(ctx context.Context) (vmm.Info, error) {
	if err := c.Ping(ctx); err != nil {
		return vmm.Info{Alive: false, Reason: err.Error()}, nil
	}
	return vmm.Info{Alive: true}, nil
}

// Counters is unsupported: firecracker-go-sdk has no metrics endpoint
// wired here, and scraping /proc for the child process is out of scope.
func (c *client) Counters(ctx context.Context) (vmm.Counters, error) {
	return vmm.Counters{}, vmm.ErrUnsupported
}

// Pause is unsupported by this backend's current wiring.
func (c *client) Pause(ctx context.Context) error { return vmm.ErrUnsupported }

// Resume is unsupported by this backend's current wiring.
func (c *client) Resume(ctx context.Context) error { return vmm.ErrUnsupported }

// Ping dials the guest's vsock listener through Firecracker's UDS bridge
// and confirms the CONNECT handshake succeeds, then closes the
// connection. It never sends a workload request — this is a bare
// liveness probe, not guest RPC.
func (c *client) Ping(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.vsockPath)
	if err != nil {
		return fmt.Errorf("ping vm %s: dial vsock bridge: %w", c.id, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", c.cfg.VsockPort); err != nil {
		return fmt.Errorf("ping vm %s: send handshake: %w", c.id, err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("ping vm %s: read handshake reply: %w", c.id, err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "OK ") {
		return fmt.Errorf("ping vm %s: unexpected handshake reply %q", c.id, strings.TrimSpace(line))
	}
	return nil
}

// process is the vmm.Process implementation for a spawned Firecracker
// machine: it owns CID release and scratch-directory cleanup regardless
// of how far Create/Boot got.
type process struct {
	client  *client
	vmDir   string
	cid     uint32
	backend *Backend
	logger  *slog.Logger
}

func (p *process) Kill(ctx context.Context) error {
	p.client.mu.Lock()
	machine := p.client.machine
	p.client.mu.Unlock()
	if machine == nil {
		return nil
	}
	if err := machine.StopVMM(); err != nil {
		return fmt.Errorf("kill firecracker vm %s: %w", p.client.id, err)
	}
	return nil
}

// Cleanup releases the CID and removes the scratch directory. Both are
// best-effort: errors are logged, never returned.
func (p *process) Cleanup(ctx context.Context) error {
	p.backend.releaseCID(p.cid)
	if err := os.RemoveAll(p.vmDir); err != nil {
		if p.logger != nil {
			p.logger.Warn("cleanup: failed to remove scratch dir", "dir", p.vmDir, "error", err)
		}
	}
	return nil
}

var _ vmm.Backend = (*Backend)(nil)
var _ vmm.Vmm = (*client)(nil)
var _ vmm.Process = (*process)(nil)
