package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/lock"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/orchestrator"
	"github.com/mattjoyce/sidecar/internal/shell"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	dev := fs.Bool("dev", false, "Skip orchestration and expect an external dev server")
	window := fs.Bool("window", false, "Show the terminal window")
	control := fs.String("control", "", "Serve the control API on this address (overrides control.listen)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *control != "" {
		cfg.Control.Enabled = true
		cfg.Control.Listen = *control
	}

	logOpts := log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if *window {
		logOpts.Console = io.Discard
	}
	log.SetupWithOptions(logOpts)
	defer log.Close()
	logger := log.WithComponent("main")
	logger.Info("sidecar starting", "version", version, "config", cfg.Source, "dev", *dev)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(128)
	var orch *orchestrator.Orchestrator
	if !*dev {
		lctx := locateContext(cfg)
		// The cycle resolves the root again and reports a miss as its outcome;
		// this lookup only scopes the launcher lock.
		if root, err := locate.Resolve(lctx); err == nil {
			l, err := lock.ForRoot(root)
			if err != nil {
				logger.Error("failed to acquire launcher lock", "root", root.String(), "error", err)
				return 1
			}
			defer l.Release()
		}
		orch = orchestrator.New(orchestrator.Options{
			Config: cfg,
			Locate: lctx,
			Server: supervisor.New(cfg.Server),
			Events: hub,
		})
	}

	// A nil *Orchestrator must not reach the bridge as a non-nil interface.
	var bridge *shell.Bridge
	if orch != nil {
		bridge = shell.NewBridge(cfg.App, orch)
	} else {
		bridge = shell.NewBridge(cfg.App, nil)
	}

	errCh := make(chan error, 1)
	if cfg.Control.Enabled {
		srv := shell.NewControlServer(cfg.Control.Listen, bridge, hub)
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	ack := bridge.Startup(ctx)
	logger.Info("startup acknowledged", "ack", ack)

	if *window {
		if err := shell.RunWindow(ctx, bridge, hub); err != nil {
			logger.Error("window closed with error", "error", err)
			return 1
		}
		return 0
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-bridge.Closed():
	case err := <-errCh:
		logger.Error("control server failed", "error", err)
		code = 1
	case <-failedCycle(orch):
		code = 1
	}
	if err := bridge.WindowClosing(); err != nil && !errors.Is(err, supervisor.ErrClosed) {
		logger.Error("shutdown failed", "error", err)
		code = 1
	}
	return code
}

// failedCycle is closed when the launch cycle ends without a server. It
// never fires in dev mode.
func failedCycle(orch *orchestrator.Orchestrator) <-chan struct{} {
	ch := make(chan struct{})
	if orch == nil {
		return ch
	}
	go func() {
		<-orch.Done()
		if out, _ := orch.Outcome(); !out.OK() {
			close(ch)
		}
	}()
	return ch
}
