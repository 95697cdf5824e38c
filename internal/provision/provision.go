// Package provision prepares the environment the server expects before it is
// first started: the database connection variable, the data directory and
// the schema.
//
// Every step after deriving the database path is best effort. Failures are
// recorded as warnings and the launch continues, leaving the server start to
// fail loudly if the environment is truly broken.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/sidecar/internal/command"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/storage"
)

// ErrUnusableRoot is returned when no database path can be derived.
var ErrUnusableRoot = errors.New("project root unusable for provisioning")

// Step names used in warnings and log lines.
const (
	StepFilesystem = "filesystem"
	StepDirectory  = "directory"
	StepGenerate   = "generate"
	StepInit       = "init"
)

// Warning is a non-fatal provisioning failure.
type Warning struct {
	Step string
	Err  error
}

func (w Warning) String() string { return w.Step + ": " + w.Err.Error() }

// Environment is what one provisioning pass produced.
type Environment struct {
	Root         locate.Root
	DatabasePath string
	Vars         map[string]string
	// Ensured lists directories that exist after provisioning.
	Ensured     []string
	SchemaReady bool
	Warnings    []Warning
}

// Environ renders Vars as KEY=value pairs in a stable order.
func (e *Environment) Environ() []string {
	keys := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.Vars[k])
	}
	return out
}

// Options configures a Provisioner.
type Options struct {
	Config config.ProvisionConfig

	// Setenv defaults to os.Setenv.
	Setenv func(key, value string) error
	// Run defaults to command.Run.
	Run func(command.Spec) (command.Result, error)
	// CheckFilesystem defaults to storage.CheckLocalFilesystem.
	CheckFilesystem func(path string) error
}

// Provisioner runs the provisioning steps for a resolved root.
type Provisioner struct {
	cfg     config.ProvisionConfig
	setenv  func(string, string) error
	run     func(command.Spec) (command.Result, error)
	checkFS func(string) error
	logger  *slog.Logger
}

// New creates a Provisioner.
func New(opts Options) *Provisioner {
	p := &Provisioner{
		cfg:     opts.Config,
		setenv:  opts.Setenv,
		run:     opts.Run,
		checkFS: opts.CheckFilesystem,
		logger:  log.WithComponent("provision"),
	}
	if p.setenv == nil {
		p.setenv = os.Setenv
	}
	if p.run == nil {
		p.run = command.Run
	}
	if p.checkFS == nil {
		p.checkFS = storage.CheckLocalFilesystem
	}
	return p
}

// DatabaseURL formats the connection string for an absolute database path.
func DatabaseURL(path string) string {
	return "file:" + path
}

// Prepare provisions root. The only error it returns wraps ErrUnusableRoot;
// everything else ends up in Environment.Warnings.
func (p *Provisioner) Prepare(ctx context.Context, root locate.Root) (*Environment, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrUnusableRoot)
	}
	rel := p.cfg.DatabasePath
	if rel == "" || p.cfg.EnvVar == "" {
		return nil, fmt.Errorf("%w: database path or variable not configured", ErrUnusableRoot)
	}

	dbPath := rel
	if !filepath.IsAbs(dbPath) {
		dbPath = root.Join(rel)
	}
	dbPath = filepath.Clean(dbPath)

	env := &Environment{
		Root:         root,
		DatabasePath: dbPath,
		Vars:         map[string]string{p.cfg.EnvVar: DatabaseURL(dbPath)},
	}

	// Set on the launcher itself so every child started later inherits it.
	if err := p.setenv(p.cfg.EnvVar, env.Vars[p.cfg.EnvVar]); err != nil {
		return nil, fmt.Errorf("%w: set %s: %v", ErrUnusableRoot, p.cfg.EnvVar, err)
	}
	p.logger.Info("database configured", "env_var", p.cfg.EnvVar, "path", dbPath)

	if err := p.checkFS(dbPath); err != nil {
		p.warn(env, StepFilesystem, err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		p.warn(env, StepDirectory, fmt.Errorf("create %s: %w", dataDir, err))
	}
	if info, err := os.Stat(dataDir); err == nil && info.IsDir() {
		env.Ensured = append(env.Ensured, dataDir)
	}

	if len(p.cfg.GenerateCommand) > 0 {
		p.logger.Info("generating schema client", "command", p.cfg.GenerateCommand)
		if err := p.runTool(env, p.cfg.GenerateCommand); err != nil {
			p.warn(env, StepGenerate, err)
		}
	}

	if _, err := os.Stat(dbPath); err == nil {
		env.SchemaReady = true
		p.logger.Debug("database exists, skipping schema init", "path", dbPath)
		return env, nil
	}

	switch {
	case len(p.cfg.InitCommand) > 0:
		p.logger.Info("initializing database", "command", p.cfg.InitCommand)
		if err := p.runTool(env, p.cfg.InitCommand); err != nil {
			p.warn(env, StepInit, err)
		} else {
			env.SchemaReady = true
		}
	case p.cfg.SchemaFile != "":
		schema := p.cfg.SchemaFile
		if !filepath.IsAbs(schema) {
			schema = root.Join(schema)
		}
		p.logger.Info("initializing database from schema file", "schema", schema)
		if err := storage.InitializeFromFile(ctx, dbPath, schema); err != nil {
			p.warn(env, StepInit, err)
		} else {
			env.SchemaReady = true
		}
	default:
		p.logger.Debug("no schema initialization configured")
	}

	return env, nil
}

func (p *Provisioner) runTool(env *Environment, argv []string) error {
	res, err := p.run(command.Spec{
		Argv:   argv,
		Dir:    env.Root.String(),
		Env:    append(os.Environ(), env.Environ()...),
		Output: command.Piped,
	})
	if err != nil && res.Output != "" {
		p.logger.Debug("tool output", "command", argv, "output", res.Output)
	}
	return err
}

func (p *Provisioner) warn(env *Environment, step string, err error) {
	env.Warnings = append(env.Warnings, Warning{Step: step, Err: err})
	p.logger.Warn("provisioning step failed, continuing", "step", step, "error", err)
}
