// Package cloudhv is the reference vmm.Backend: it spawns a
// cloud-hypervisor subprocess per VM and drives it over its documented
// REST API on a unix control socket.
package cloudhv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/seantiz/vanguard/internal/vmm"
)

// Backend is the cloud-hypervisor vmm.Backend implementation.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a cloud-hypervisor backend. It does not verify the
// binary exists — call VerifyBinary separately, as cmd/vanguardd does at
// startup, so a missing binary becomes an exit-code-non-zero startup
// failure rather than a lazily discovered Create error.
func New(cfg Config, logger *slog.Logger) *Backend {
	return &Backend{cfg: cfg, logger: logger}
}

// VerifyBinary checks that the configured cloud-hypervisor binary exists
// and is executable. Called once at worker startup.
func (b *Backend) VerifyBinary() error {
	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("locate cloud-hypervisor binary at %s: %w", b.cfg.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("cloud-hypervisor binary at %s is not executable", b.cfg.BinaryPath)
	}
	return nil
}

// Prepare is a no-op in this implementation. It is the sanctioned
// extension point for a future content-store cache pull of a Spec's four
// store paths.
func (b *Backend) Prepare(ctx context.Context, spec vmm.Spec) error {
	return nil
}

// BuildConfig maps a Spec's fields onto a vmm.Config verbatim. It never
// inspects networkAllowedDomains — that is host-firewall input applied (if
// at all) outside this process — and never inspects toplevel, which only
// Prepare's future cache-pull extension point would need.
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

// Spawn starts a cloud-hypervisor subprocess for id and waits for its
// control socket to become ready. On any failure, the half-started
// subprocess is killed and no trace is left on disk.
func (b *Backend) Spawn(ctx context.Context, id vmm.ID) (vmm.Vmm, vmm.Process, string, error) {
	vmDir := filepath.Join(b.cfg.ScratchDir, id.String())
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("create scratch dir for vm %s: %w", id, err)
	}
	socketPath := filepath.Join(vmDir, "api.sock")
	os.Remove(socketPath) // clear a stale socket from a previous crash

	cmd := exec.Command(b.cfg.BinaryPath, "--api-socket", socketPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		os.RemoveAll(vmDir)
		return nil, nil, "", fmt.Errorf("spawn cloud-hypervisor for vm %s: %w", id, err)
	}

	reaped := make(chan struct{})
	go func() {
		cmd.Wait()
		close(reaped)
	}()

	if err := waitForSocket(ctx, socketPath, b.cfg.SocketTimeout); err != nil {
		cmd.Process.Kill()
		<-reaped
		os.RemoveAll(vmDir)
		return nil, nil, "", fmt.Errorf("wait for socket for vm %s: %w", id, err)
	}

	client := newClientForSocket(socketPath)
	process := &process{cmd: cmd, reaped: reaped, vmDir: vmDir, logger: b.logger}
	return client, process, socketPath, nil
}

// waitForSocket polls for path's existence with exponential backoff: 10ms
// initial delay, doubling each attempt, capped at 500ms, until timeout
// elapses or ctx is done.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := 10 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("socket %s did not appear within %v", path, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// process is the vmm.Process implementation for a spawned cloud-hypervisor
// subprocess.
type process struct {
	cmd    *exec.Cmd
	reaped <-chan struct{}
	vmDir  string
	logger *slog.Logger
}

func (p *process) Kill(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill cloud-hypervisor process: %w", err)
	}
	select {
	case <-p.reaped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Cleanup removes the per-VM scratch directory, which also removes the
// control socket. Kill already unlinks the socket as a side effect of
// process exit in most cases, but removing the whole directory is what
// actually satisfies "no trace left on disk" regardless of ordering.
// Removal errors are logged, never returned — cleanup is always
// best-effort.
func (p *process) Cleanup(ctx context.Context) error {
	if err := os.RemoveAll(p.vmDir); err != nil {
		if p.logger != nil {
			p.logger.Warn("cleanup: failed to remove scratch dir", "dir", p.vmDir, "error", err)
		}
	}
	return nil
}

var _ vmm.Backend = (*Backend)(nil)
var _ vmm.Process = (*process)(nil)
