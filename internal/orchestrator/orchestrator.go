// Package orchestrator runs the launch sequence on a background goroutine:
// locate the project, provision it, build it and spawn the server. The host
// owns the Orchestrator and forwards its window-close event to Shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sidecar/internal/build"
	"github.com/mattjoyce/sidecar/internal/command"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

// Ack is returned to the host by Start.
const Ack = "Server started"

const pollInterval = 200 * time.Millisecond

//go:generate mockgen -destination=mocks/mock_orchestrator.go -package=mocks github.com/mattjoyce/sidecar/internal/orchestrator Provisioner,Builder,Server

// Locator resolves the project root.
type Locator interface {
	Resolve(locate.Context) (locate.Root, error)
}

// Provisioner prepares the environment for a root.
type Provisioner interface {
	Prepare(context.Context, locate.Root) (*provision.Environment, error)
}

// Builder runs the build step.
type Builder interface {
	Run(context.Context, locate.Root) error
}

// Server is the process supervisor as seen by the orchestrator.
type Server interface {
	Configure(config.ServerConfig)
	Spawn(context.Context, locate.Root, []string) (*supervisor.Process, error)
	Close() (bool, error)
	Current() (supervisor.Snapshot, bool)
}

// Options wires an Orchestrator. Only Config is required.
type Options struct {
	Config *config.Config
	// Locate is the discovery context. Manifest, BundleDir and MaxDepth
	// default from Config when empty.
	Locate  locate.Context
	Locator Locator
	Server  Server
	Events  events.Publisher

	NewProvisioner func(config.ProvisionConfig) Provisioner
	NewBuilder     func(config.BuildConfig) (Builder, error)
}

// Orchestrator runs at most one launch cycle.
type Orchestrator struct {
	cfg            *config.Config
	lctx           locate.Context
	locator        Locator
	server         Server
	events         events.Publisher
	newProvisioner func(config.ProvisionConfig) Provisioner
	newBuilder     func(config.BuildConfig) (Builder, error)
	logger         *slog.Logger

	once    sync.Once
	done    chan struct{}
	ready   chan struct{}
	failed  chan struct{}
	settled chan struct{}

	mu      sync.Mutex
	cycle   string
	outcome Outcome
	active  *config.Config
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	o := &Orchestrator{
		cfg:            cfg,
		lctx:           opts.Locate,
		locator:        opts.Locator,
		server:         opts.Server,
		events:         opts.Events,
		newProvisioner: opts.NewProvisioner,
		newBuilder:     opts.NewBuilder,
		logger:         log.WithComponent("orchestrator"),
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		failed:         make(chan struct{}),
		settled:        make(chan struct{}),
		active:         cfg,
	}
	if o.lctx.Manifest == "" {
		o.lctx.Manifest = cfg.Locate.Manifest
	}
	if o.lctx.BundleDir == "" {
		o.lctx.BundleDir = cfg.Locate.BundleDir
	}
	if o.lctx.MaxDepth == 0 {
		o.lctx.MaxDepth = cfg.Locate.MaxDepth
	}
	if o.locator == nil {
		o.locator = locate.New()
	}
	if o.server == nil {
		o.server = supervisor.New(cfg.Server)
	}
	if o.events == nil {
		o.events = events.Discard{}
	}
	if o.newProvisioner == nil {
		o.newProvisioner = func(c config.ProvisionConfig) Provisioner {
			return provision.New(provision.Options{Config: c})
		}
	}
	if o.newBuilder == nil {
		o.newBuilder = func(c config.BuildConfig) (Builder, error) {
			return build.New(c)
		}
	}
	return o
}

// Start launches the cycle on its own goroutine and blocks for the warm-up
// delay, returning early once the server accepts connections on its
// configured port or the cycle fails. Later calls do not start another
// cycle. ctx only bounds the wait; the cycle itself is never cancelled.
func (o *Orchestrator) Start(ctx context.Context) string {
	o.once.Do(func() {
		id := uuid.NewString()
		o.mu.Lock()
		o.cycle = id
		o.mu.Unlock()
		go o.run(context.WithoutCancel(ctx), id)
		o.waitWarmup(ctx)
	})
	return Ack
}

// waitWarmup starts from the base config's limit and, once the project
// config is known, moves the deadline to the limit it sets.
func (o *Orchestrator) waitWarmup(ctx context.Context) {
	start := time.Now()
	timer := time.NewTimer(waitLimit(o.cfg))
	defer timer.Stop()

	settled := o.settled
	for {
		select {
		case <-settled:
			settled = nil
			o.mu.Lock()
			limit := waitLimit(o.active)
			o.mu.Unlock()
			timer.Reset(time.Until(start.Add(limit)))
		case <-timer.C:
			return
		case <-o.ready:
			return
		case <-o.failed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func waitLimit(cfg *config.Config) time.Duration {
	if cfg.Server.Port > 0 && cfg.Server.ReadyTimeout > 0 {
		return cfg.Server.ReadyTimeout
	}
	return cfg.Server.Warmup
}

func (o *Orchestrator) run(ctx context.Context, id string) {
	logger := log.WithCycle(id).With("component", "orchestrator")
	logger.InfoContext(ctx, "launch cycle started")
	o.events.Publish(id, events.CycleStarted, nil)

	out := o.sequence(ctx, id, logger)
	out.Cycle = id

	o.mu.Lock()
	o.outcome = out
	o.mu.Unlock()
	close(o.done)

	o.events.Publish(id, events.CycleFinished, map[string]any{"outcome": out.Kind.String(), "detail": out.String()})
	if !out.OK() {
		close(o.failed)
		logger.ErrorContext(ctx, "launch cycle failed", "outcome", out.Kind.String(), "error", out.Err)
		return
	}
	logger.InfoContext(ctx, "launch cycle finished", "server", out.Server)

	o.mu.Lock()
	port := o.active.Server.Port
	timeout := waitLimit(o.active)
	o.mu.Unlock()
	if port > 0 {
		o.awaitReady(ctx, id, logger, port, timeout)
	}
}

func (o *Orchestrator) sequence(ctx context.Context, id string, logger *slog.Logger) Outcome {
	root, err := o.locator.Resolve(o.lctx)
	if err != nil {
		return Outcome{Kind: DirectoryNotFound, Err: err}
	}
	logger.InfoContext(ctx, "project directory resolved", "root", root.String())
	o.events.Publish(id, events.RootResolved, map[string]string{"root": root.String()})

	cfg, err := config.ForRoot(o.cfg, root.String())
	if err != nil {
		return Outcome{Kind: ProvisionFailed, Root: root, Err: err}
	}
	o.mu.Lock()
	o.active = cfg
	o.mu.Unlock()
	close(o.settled)
	o.server.Configure(cfg.Server)

	env, err := o.newProvisioner(cfg.Provision).Prepare(ctx, root)
	if err != nil {
		return Outcome{Kind: ProvisionFailed, Root: root, Err: err}
	}
	for _, w := range env.Warnings {
		o.events.Publish(id, events.ProvisionWarning, map[string]string{"step": w.Step, "error": w.Err.Error()})
	}
	o.events.Publish(id, events.ProvisionDone, map[string]any{
		"database":     env.DatabasePath,
		"schema_ready": env.SchemaReady,
	})

	builder, err := o.newBuilder(cfg.Build)
	if err != nil {
		return Outcome{Kind: BuildFailed, Root: root, ExitStatus: -1, Err: err, Warnings: env.Warnings}
	}
	o.events.Publish(id, events.BuildStarted, nil)
	if err := builder.Run(ctx, root); err != nil {
		var exitErr *command.ExitError
		var launchErr *command.LaunchError
		switch {
		case errors.As(err, &exitErr):
			return Outcome{Kind: BuildFailed, Root: root, ExitStatus: exitErr.Status, Err: err, Warnings: env.Warnings}
		case errors.As(err, &launchErr):
			return Outcome{Kind: SpawnFailed, Root: root, Err: err, Warnings: env.Warnings}
		default:
			return Outcome{Kind: BuildFailed, Root: root, ExitStatus: -1, Err: err, Warnings: env.Warnings}
		}
	}
	o.events.Publish(id, events.BuildFinished, nil)

	if port := cfg.Server.Port; port > 0 && portInUse(port) {
		logger.WarnContext(ctx, "server port already in use, a server may already be running", "port", port)
	}

	proc, err := o.server.Spawn(ctx, root, env.Environ())
	if err != nil {
		return Outcome{Kind: SpawnFailed, Root: root, Err: err, Warnings: env.Warnings}
	}
	o.events.Publish(id, events.ServerSpawned, map[string]int{"pid": proc.PID})

	return Outcome{
		Kind:     Success,
		Root:     root,
		Server:   describe(cfg, proc.PID),
		PID:      proc.PID,
		Warnings: env.Warnings,
	}
}

func describe(cfg *config.Config, pid int) string {
	s := fmt.Sprintf("%s %s (pid %d)", cfg.App.Name, cfg.App.Version, pid)
	if cfg.Server.Port > 0 {
		s += " on " + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}
	return s
}

// awaitReady polls the local port until it accepts a connection or timeout passes.
func (o *Orchestrator) awaitReady(ctx context.Context, id string, logger *slog.Logger, port int, timeout time.Duration) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, pollInterval)
		if err == nil {
			_ = conn.Close()
			logger.InfoContext(ctx, "server accepting connections", "addr", addr)
			o.events.Publish(id, events.ServerReady, map[string]string{"addr": addr})
			close(o.ready)
			return
		}
		if time.Now().After(deadline) {
			logger.WarnContext(ctx, "server not accepting connections before timeout", "addr", addr, "timeout", timeout)
			return
		}
		time.Sleep(pollInterval)
	}
}

// portInUse reports whether something is already listening on port.
func portInUse(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// Shutdown handles the window-close event: it kills the server and stops a
// spawn that is still in flight from leaving one behind.
func (o *Orchestrator) Shutdown() error {
	id := o.Cycle()
	o.events.Publish(id, events.WindowClosing, nil)
	terminated, err := o.server.Close()
	if err != nil {
		o.logger.Error("failed to terminate server", "error", err)
		return err
	}
	if terminated {
		o.events.Publish(id, events.ServerTerminated, nil)
	} else {
		o.logger.Debug("no server to terminate")
	}
	return nil
}

// Done is closed when the cycle has produced its Outcome.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Outcome returns the cycle result once it is available.
func (o *Orchestrator) Outcome() (Outcome, bool) {
	select {
	case <-o.done:
	default:
		return Outcome{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcome, true
}

// Wait blocks until the cycle has an Outcome or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-o.done:
		out, _ := o.Outcome()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cycle returns the current cycle id, empty before Start.
func (o *Orchestrator) Cycle() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycle
}

// Status is a point-in-time view for the host.
type Status struct {
	Cycle   string               `json:"cycle_id,omitempty"`
	Phase   string               `json:"phase"`
	Outcome string               `json:"outcome,omitempty"`
	Detail  string               `json:"detail,omitempty"`
	Server  *supervisor.Snapshot `json:"server,omitempty"`
}

// Status reports the cycle's progress and the server process.
func (o *Orchestrator) Status() Status {
	st := Status{Cycle: o.Cycle(), Phase: "idle"}
	if st.Cycle != "" {
		st.Phase = "starting"
	}
	if out, ok := o.Outcome(); ok {
		st.Phase = "finished"
		st.Outcome = out.Kind.String()
		st.Detail = out.String()
	}
	if snap, ok := o.server.Current(); ok {
		st.Server = &snap
	}
	return st
}
