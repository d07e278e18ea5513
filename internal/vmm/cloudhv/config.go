package cloudhv

import (
	"os"
	"time"
)

// Config configures the cloud-hypervisor backend. LoadConfig reads it from
// environment variables in the same style as the rest of this codebase's
// env-driven config loaders.
type Config struct {
	// BinaryPath is the path to the cloud-hypervisor executable.
	BinaryPath string
	// ScratchDir is the per-worker root under which one subdirectory per
	// VM is created and removed.
	ScratchDir string
	// SocketTimeout bounds how long Spawn waits for the control socket to
	// appear before giving up.
	SocketTimeout time.Duration
}

const (
	envBinaryPath    = "VANGUARD_CH_BINARY"
	envScratchDir    = "VANGUARD_SCRATCH_DIR"
	envSocketTimeout = "VANGUARD_SOCKET_TIMEOUT"

	defaultBinaryPath    = "/usr/local/bin/cloud-hypervisor"
	defaultScratchDir    = "/run/vanguard/vms"
	defaultSocketTimeout = 5 * time.Second
)

// LoadConfig reads cloud-hypervisor backend configuration from the
// environment, falling back to defaults.
func LoadConfig() Config {
	cfg := Config{
		BinaryPath:    defaultBinaryPath,
		ScratchDir:    defaultScratchDir,
		SocketTimeout: defaultSocketTimeout,
	}
	if v := os.Getenv(envBinaryPath); v != "" {
		cfg.BinaryPath = v
	}
	if v := os.Getenv(envScratchDir); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv(envSocketTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SocketTimeout = d
		}
	}
	return cfg
}
