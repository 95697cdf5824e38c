// Package build runs the one-shot build step that must succeed before the
// server is started.
package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mattjoyce/sidecar/internal/command"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
)

// Runner runs the configured build command.
type Runner struct {
	argv   []string
	skip   bool
	output command.Output
	env    []string
	stdout io.Writer
	stderr io.Writer
	run    func(command.Spec) (command.Result, error)
	logger *slog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithStreams redirects inherited output, mostly for tests.
func WithStreams(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithEnv sets the build environment. The default inherits the launcher's.
func WithEnv(env []string) Option {
	return func(r *Runner) { r.env = env }
}

// New creates a Runner from the build config section.
func New(cfg config.BuildConfig, opts ...Option) (*Runner, error) {
	r := &Runner{
		argv:   append([]string(nil), cfg.Command...),
		run:    command.Run,
		logger: log.WithComponent("build"),
	}
	if cfg.Output == config.OutputSkip {
		r.skip = true
	} else {
		out, err := command.ParseOutput(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		r.output = out
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Skipped reports whether the build stage is disabled.
func (r *Runner) Skipped() bool { return r.skip }

// Run builds root and blocks until the command exits. A non-zero exit is a
// *command.ExitError; a command that could not start is a
// *command.LaunchError. ctx only carries log attributes; builds are never
// cancelled.
func (r *Runner) Run(ctx context.Context, root locate.Root) error {
	if r.skip {
		r.logger.InfoContext(ctx, "build skipped")
		return nil
	}

	r.logger.InfoContext(ctx, "building", "command", r.argv, "dir", root.String(), "output", r.output.String())
	start := time.Now()
	res, err := r.run(command.Spec{
		Argv:   r.argv,
		Dir:    root.String(),
		Env:    r.env,
		Output: r.output,
		Stdout: r.stdout,
		Stderr: r.stderr,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "build failed", "error", err, "duration", time.Since(start), "output", res.Output)
		return err
	}
	r.logger.InfoContext(ctx, "build finished", "duration", time.Since(start))
	return nil
}
