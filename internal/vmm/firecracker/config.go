package firecracker

import (
	"os"
	"strconv"
)

// Config configures the firecracker vmm.Backend. Unlike the
// cloud-hypervisor reference backend, a tap device name must already exist
// on the host (networking setup is an external precondition per this
// system's scope) — the worker only ever names it on the VM's config, it
// never creates it.
type Config struct {
	FirecrackerBin string
	KernelPath     string
	TapDevice      string
	VsockPort      uint32
	CIDBase        uint32
	ScratchDir     string
}

// MinCID is the lowest vsock context ID this backend will ever hand out.
// CIDs below it are reserved (0-2 have fixed kernel meanings), so
// allocateCID clamps its scan to start here regardless of CIDBase.
const MinCID uint32 = 3

const (
	envFirecrackerBin = "VANGUARD_FIRECRACKER_BIN"
	envKernelPath     = "VANGUARD_FIRECRACKER_KERNEL"
	envTapDevice      = "VANGUARD_FIRECRACKER_TAP"
	envVsockPort      = "VANGUARD_FIRECRACKER_VSOCK_PORT"
	envCIDBase        = "VANGUARD_FIRECRACKER_CID_BASE"
	envScratchDir     = "VANGUARD_SCRATCH_DIR"

	defaultFirecrackerBin = "/usr/local/bin/firecracker"
	defaultVsockPort      = uint32(52)
	defaultCIDBase        = uint32(100)
	defaultScratchDir     = "/run/vanguard/vms"
)

// LoadConfig reads firecracker backend configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin: defaultFirecrackerBin,
		VsockPort:      defaultVsockPort,
		CIDBase:        defaultCIDBase,
		ScratchDir:     defaultScratchDir,
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envTapDevice); v != "" {
		cfg.TapDevice = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(n)
		}
	}
	if v := os.Getenv(envCIDBase); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CIDBase = uint32(n)
		}
	}
	if v := os.Getenv(envScratchDir); v != "" {
		cfg.ScratchDir = v
	}
	return cfg
}
