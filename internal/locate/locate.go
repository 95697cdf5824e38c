package locate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/sidecar/internal/log"
)

// DefaultMaxDepth bounds the upward walk from the executable.
const DefaultMaxDepth = 10

// ErrNotFound is returned when no strategy finds the manifest.
var ErrNotFound = errors.New("project directory not found")

// Root is an absolute directory containing the manifest.
type Root string

// String returns the root path.
func (r Root) String() string { return string(r) }

// Join returns a path below the root.
func (r Root) Join(elem ...string) string {
	return filepath.Join(append([]string{string(r)}, elem...)...)
}

// Context is the starting point handed to every strategy.
type Context struct {
	// BundleDir is the packaged resource directory hint. Empty in development.
	BundleDir string
	// Executable is the running binary's path. Empty when it could not be read.
	Executable string
	// WorkDir is the process working directory. Empty when it could not be read.
	WorkDir  string
	Manifest string
	MaxDepth int

	// Stat defaults to os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// NewContext fills Executable and WorkDir from the running process. Failures
// leave the field empty.
func NewContext(manifest, bundleDir string, maxDepth int) Context {
	c := Context{
		BundleDir: bundleDir,
		Manifest:  manifest,
		MaxDepth:  maxDepth,
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		c.Executable = exe
	}
	if wd, err := os.Getwd(); err == nil {
		c.WorkDir = wd
	}
	return c
}

func (c Context) stat(path string) (os.FileInfo, error) {
	if c.Stat != nil {
		return c.Stat(path)
	}
	return os.Stat(path)
}

// hasManifest reports whether dir contains the manifest as a regular file.
func (c Context) hasManifest(dir string) bool {
	if dir == "" || c.Manifest == "" {
		return false
	}
	info, err := c.stat(filepath.Join(dir, c.Manifest))
	return err == nil && !info.IsDir()
}

// Strategy is one way of finding the root. Find must not modify anything.
type Strategy struct {
	Name string
	Find func(Context) (string, bool)
}

// BundleStrategy checks the bundled-resource hint directly, without walking.
func BundleStrategy() Strategy {
	return Strategy{
		Name: "bundle",
		Find: func(c Context) (string, bool) {
			if c.BundleDir == "" {
				return "", false
			}
			return c.BundleDir, c.hasManifest(c.BundleDir)
		},
	}
}

// ExecutableWalkStrategy checks the executable's directory and then each
// ancestor, visiting at most MaxDepth directories.
func ExecutableWalkStrategy() Strategy {
	return Strategy{
		Name: "executable",
		Find: func(c Context) (string, bool) {
			if c.Executable == "" {
				return "", false
			}
			depth := c.MaxDepth
			if depth <= 0 {
				depth = DefaultMaxDepth
			}
			dir := filepath.Dir(c.Executable)
			for i := 0; i < depth; i++ {
				if c.hasManifest(dir) {
					return dir, true
				}
				parent := filepath.Dir(dir)
				if parent == dir {
					break
				}
				dir = parent
			}
			return "", false
		},
	}
}

// WorkingDirStrategy checks the process working directory.
func WorkingDirStrategy() Strategy {
	return Strategy{
		Name: "workdir",
		Find: func(c Context) (string, bool) {
			return c.WorkDir, c.hasManifest(c.WorkDir)
		},
	}
}

// DefaultStrategies returns bundle, executable walk, working directory.
func DefaultStrategies() []Strategy {
	return []Strategy{BundleStrategy(), ExecutableWalkStrategy(), WorkingDirStrategy()}
}

// Locator tries its strategies in order.
type Locator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New creates a Locator. With no strategies it uses DefaultStrategies.
func New(strategies ...Strategy) *Locator {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Locator{
		strategies: strategies,
		logger:     log.WithComponent("locate"),
	}
}

// Resolve returns the first root any strategy finds, or ErrNotFound.
func (l *Locator) Resolve(c Context) (Root, error) {
	for _, s := range l.strategies {
		dir, ok := s.Find(c)
		if !ok {
			l.logger.Debug("strategy found nothing", "strategy", s.Name)
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolve %s root %q: %w", s.Name, dir, err)
		}
		l.logger.Debug("project directory found", "strategy", s.Name, "root", abs)
		return Root(abs), nil
	}
	return "", fmt.Errorf("%w: no %s in bundle, executable ancestors or working directory", ErrNotFound, c.Manifest)
}

// Resolve is shorthand for New().Resolve(c).
func Resolve(c Context) (Root, error) {
	return New().Resolve(c)
}
