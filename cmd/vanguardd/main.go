package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/vanguard/internal/audit"
	"github.com/seantiz/vanguard/internal/commandbus"
	"github.com/seantiz/vanguard/internal/config"
	"github.com/seantiz/vanguard/internal/idgen"
	"github.com/seantiz/vanguard/internal/manager"
	"github.com/seantiz/vanguard/internal/rpcadapter"
	"github.com/seantiz/vanguard/internal/vmm"
	"github.com/seantiz/vanguard/internal/vmm/cloudhv"
	"github.com/seantiz/vanguard/internal/vmm/firecracker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vanguardd: starting",
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
		"worker_id", cfg.WorkerID,
	)

	backend, err := selectBackend(cfg, logger)
	if err != nil {
		log.Fatalf("select backend: %v", err)
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0755); err != nil {
		log.Fatalf("create scratch dir %s: %v", cfg.ScratchDir, err)
	}

	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer auditLog.Close()

	bus := commandbus.New(cfg.CommandBusCapacity)
	ids := idgen.New()
	mgr := manager.New(backend, bus, ids, logger, manager.Config{
		WorkerID:           cfg.WorkerID,
		DeleteGraceTimeout: cfg.DeleteGraceTimeout,
	})
	mgr.SetAuditRecorder(auditLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	srv := rpcadapter.NewServer(cfg.ListenAddr, bus, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// selectBackend constructs the vmm.Backend named by cfg.Backend and
// verifies its binary is present, so a missing hypervisor binary fails
// startup rather than the first Create.
func selectBackend(cfg config.Config, logger *slog.Logger) (vmm.Backend, error) {
	switch cfg.Backend {
	case "firecracker":
		fcCfg := firecracker.LoadConfig()
		fcCfg.ScratchDir = cfg.ScratchDir
		b := firecracker.New(fcCfg, logger)
		if err := b.VerifyBinary(); err != nil {
			return nil, err
		}
		return b, nil
	default:
		chCfg := cloudhv.LoadConfig()
		chCfg.BinaryPath = cfg.CHBinary
		chCfg.ScratchDir = cfg.ScratchDir
		chCfg.SocketTimeout = cfg.SocketTimeout
		b := cloudhv.New(chCfg, logger)
		if err := b.VerifyBinary(); err != nil {
			return nil, err
		}
		return b, nil
	}
}
