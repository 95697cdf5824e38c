// Package shell is the host side of the launcher: the process that owns the
// Orchestrator, answers the app-info query and forwards the window-close
// event. Two hosts are provided, a local HTTP control server and a terminal
// window, and both drive the same Bridge.
package shell

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/orchestrator"
)

// Orchestrator is the launch sequence as the host sees it.
type Orchestrator interface {
	Start(ctx context.Context) string
	Shutdown() error
	Status() orchestrator.Status
}

// Bridge connects host events to the Orchestrator.
type Bridge struct {
	app    config.AppConfig
	orch   Orchestrator
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewBridge creates a Bridge. orch may be nil in dev mode, where an external
// server is expected and nothing is supervised.
func NewBridge(app config.AppConfig, orch Orchestrator) *Bridge {
	return &Bridge{
		app:    app,
		orch:   orch,
		logger: log.WithComponent("shell"),
		closed: make(chan struct{}),
	}
}

// AppInfo returns the managed application's name and version.
func (b *Bridge) AppInfo() string {
	if b.app.Version == "" {
		return b.app.Name
	}
	return b.app.Name + " v" + b.app.Version
}

// Startup runs the launch sequence and returns the acknowledgement string.
func (b *Bridge) Startup(ctx context.Context) string {
	if b.orch == nil {
		b.logger.Info("dev mode, expecting an externally started server")
		return "Dev mode"
	}
	return b.orch.Start(ctx)
}

// Status reports the orchestrator's view, or an idle status in dev mode.
func (b *Bridge) Status() orchestrator.Status {
	if b.orch == nil {
		return orchestrator.Status{Phase: "dev"}
	}
	return b.orch.Status()
}

// WindowClosing handles the window-close event. Only the first call shuts the
// server down; later calls return the same result.
func (b *Bridge) WindowClosing() error {
	b.closeOnce.Do(func() {
		b.logger.Info("window closing")
		if b.orch != nil {
			b.closeErr = b.orch.Shutdown()
		}
		close(b.closed)
	})
	return b.closeErr
}

// Closed is closed after WindowClosing has run.
func (b *Bridge) Closed() <-chan struct{} { return b.closed }
