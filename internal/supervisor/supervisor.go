package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
)

var (
	// ErrClosed is returned by Spawn once Close has been called.
	ErrClosed = errors.New("supervisor closed")
	// ErrNoCommand is returned when no server command is configured.
	ErrNoCommand = errors.New("no server command configured")
)

// Supervisor spawns and kills the server process.
type Supervisor struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	mu      sync.Mutex
	spec    serverSpec
	current *Process
	closed  bool
}

type serverSpec struct {
	argv    []string
	host    string
	port    int
	inherit bool
	extra   map[string]string
}

func specFor(cfg config.ServerConfig) serverSpec {
	sp := serverSpec{
		argv:    append([]string(nil), cfg.Command...),
		host:    cfg.Host,
		port:    cfg.Port,
		inherit: cfg.Output == config.OutputInherit,
		extra:   make(map[string]string, len(cfg.Env)),
	}
	for k, v := range cfg.Env {
		sp.extra[k] = v
	}
	return sp
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithStreams sets the writers used when server output is inherited.
func WithStreams(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// New creates a Supervisor for the server config section.
func New(cfg config.ServerConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: log.WithComponent("supervisor"),
		spec:   specFor(cfg),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure replaces the server settings used by later spawns.
func (s *Supervisor) Configure(cfg config.ServerConfig) {
	s.mu.Lock()
	s.spec = specFor(cfg)
	s.mu.Unlock()
}

// Spawn starts the server in root without waiting for it. env holds the
// provisioned KEY=value pairs. The new handle replaces any stored one.
func (s *Supervisor) Spawn(ctx context.Context, root locate.Root, env []string) (*Process, error) {
	s.mu.Lock()
	sp, closed := s.spec, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if len(sp.argv) == 0 {
		return nil, ErrNoCommand
	}

	cmd := exec.Command(sp.argv[0], sp.argv[1:]...)
	cmd.Dir = root.String()
	cmd.Env = sp.environment(env)
	if sp.inherit {
		cmd.Stdout = s.stdout
		cmd.Stderr = s.stderr
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", strings.Join(sp.argv, " "), err)
	}
	p := newProcess(cmd)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "supervisor closed during spawn, killing server", "pid", p.PID)
		s.kill(p)
		return nil, ErrClosed
	}
	if prev := s.current; prev != nil {
		s.logger.WarnContext(ctx, "replacing server handle", "previous_pid", prev.PID)
	}
	s.current = p
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "server spawned", "pid", p.PID, "command", sp.argv, "dir", root.String())
	return p, nil
}

// environment merges, lowest precedence first: the launcher's environment,
// the provisioned vars, server.env, then the listen overrides.
func (sp serverSpec) environment(provisioned []string) []string {
	vars := make(map[string]string)
	set := func(kvs []string) {
		for _, kv := range kvs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				vars[kv[:i]] = kv[i+1:]
			}
		}
	}
	set(os.Environ())
	set(provisioned)
	for k, v := range sp.extra {
		vars[k] = v
	}
	if sp.host != "" {
		vars["HOSTNAME"] = sp.host
	}
	if sp.port > 0 {
		vars["PORT"] = strconv.Itoa(sp.port)
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Terminate kills the stored process and waits for it to exit. It reports
// false when there was nothing to terminate. Safe to call repeatedly.
func (s *Supervisor) Terminate() (bool, error) {
	return s.takeAndKill(false)
}

// Close terminates the stored process and refuses further spawns. A spawn
// already in flight kills its own process when it finishes.
func (s *Supervisor) Close() (bool, error) {
	return s.takeAndKill(true)
}

func (s *Supervisor) takeAndKill(closing bool) (bool, error) {
	s.mu.Lock()
	if closing {
		s.closed = true
	}
	p := s.current
	s.current = nil
	s.mu.Unlock()

	if p == nil {
		return false, nil
	}
	return true, s.kill(p)
}

func (s *Supervisor) kill(p *Process) error {
	exited := p.Exited()
	if err := killTree(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// The child may have exited between the check and the kill.
		select {
		case <-p.done:
		default:
			return fmt.Errorf("kill server pid %d: %w", p.PID, err)
		}
	}
	<-p.done
	if exited {
		code, _ := p.ExitCode()
		s.logger.Info("server had already exited, process group killed", "pid", p.PID, "exit_code", code)
		return nil
	}
	s.logger.Info("server terminated", "pid", p.PID, "uptime", time.Since(p.StartedAt).Round(time.Millisecond))
	return nil
}

// Snapshot describes the stored process for status queries.
type Snapshot struct {
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	RSSBytes  uint64    `json:"rss_bytes,omitempty"`
}

// Current returns a snapshot of the stored process, or false if none.
func (s *Supervisor) Current() (Snapshot, bool) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{PID: p.PID, StartedAt: p.StartedAt, Running: !p.Exited()}
	if code, exited := p.ExitCode(); exited {
		snap.ExitCode = &code
		return snap, true
	}
	if proc, err := process.NewProcess(int32(p.PID)); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			snap.RSSBytes = mem.RSS
		}
	}
	return snap, true
}
