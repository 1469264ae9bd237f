// Command pppbridge runs one serial session of the PPP-over-serial
// bridge. Argument parsing and config-file/env loading are out of scope
// for this repository (spec.md §1); this entrypoint builds a
// config.Config from in-process defaults and wires it straight to
// internal/bridge, the way the out-of-scope CLI collaborator would after
// resolving its flags.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/bridge"
	"github.com/dreadl0ck/pppbridge/internal/config"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

func main() {
	cfg := config.DefaultConfig()
	cfg.Role = config.RoleHost
	cfg.SerialDevice = envOr("PPPBRIDGE_SERIAL_DEVICE", cfg.SerialDevice)
	cfg.FrameLogPath = os.Getenv("PPPBRIDGE_FRAME_LOG")
	cfg.AuditPath = os.Getenv("PPPBRIDGE_AUDIT_LOG")

	// Demo service table: forward peer-dialed port 2222 to the local
	// sshd, matching the worked example in spec.md §8 scenario S3 (ssh on
	// port 22).
	cfg.ServiceTable = map[uint16]config.Service{
		2222: {TargetHost: "127.0.0.1", TargetPort: 22},
	}

	if os.Getenv("PPPBRIDGE_VERBOSE") != "" {
		xlog.SetVerboseAll(true)
	}

	b, err := bridge.New(cfg)
	if err != nil {
		xlog.Bridge.Errorf("failed to initialize bridge: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		xlog.Bridge.Infof("signal received, shutting down")
		b.Shutdown()
	}()

	if err := b.Run(); err != nil {
		xlog.Bridge.Errorf("session ended: %v", err)
		time.Sleep(50 * time.Millisecond) // let the shutdown summary flush
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
