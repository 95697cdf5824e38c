// Package command runs the short-lived, synchronous child processes the
// launcher needs before the server starts: the build and the schema tools.
//
// Commands are never cancelled and never time out. A hung tool blocks the
// caller until it exits.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// maxOutputBytes caps the output retained from a piped command.
const maxOutputBytes = 64 * 1024

// Output selects where a command's stdout and stderr go.
type Output int

const (
	// Piped captures output; only the tail is kept for diagnostics.
	Piped Output = iota
	// Inherit streams output to the launcher's own stdout and stderr.
	Inherit
)

// ParseOutput maps the config spelling to an Output.
func ParseOutput(s string) (Output, error) {
	switch strings.ToLower(s) {
	case "piped", "":
		return Piped, nil
	case "inherit":
		return Inherit, nil
	default:
		return Piped, fmt.Errorf("unknown output policy %q", s)
	}
}

func (o Output) String() string {
	if o == Inherit {
		return "inherit"
	}
	return "piped"
}

// Spec describes one invocation.
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string // nil inherits the parent environment
	Output Output

	// Stdout and Stderr override os.Stdout/os.Stderr for Inherit.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is what a finished command left behind.
type Result struct {
	// Output holds the captured tail for Piped commands.
	Output string
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Argv   []string
	Status int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", strings.Join(e.Argv, " "), e.Status)
}

// LaunchError reports a command that could not be started at all.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ErrEmptyCommand is returned for a Spec without argv.
var ErrEmptyCommand = errors.New("empty command")

// Run executes spec and waits for it. A non-zero exit yields *ExitError; a
// failure to start (missing binary, bad directory) yields *LaunchError.
func Run(spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, ErrEmptyCommand
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	var buf tailBuffer
	switch spec.Output {
	case Inherit:
		cmd.Stdout = orDefault(spec.Stdout, os.Stdout)
		cmd.Stderr = orDefault(spec.Stderr, os.Stderr)
	default:
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	if err := cmd.Start(); err != nil {
		return Result{}, &LaunchError{Argv: spec.Argv, Err: err}
	}

	err := cmd.Wait()
	res := Result{Output: buf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ExitError{Argv: spec.Argv, Status: exitErr.ExitCode(), Output: res.Output}
		}
		return res, fmt.Errorf("wait for %s: %w", strings.Join(spec.Argv, " "), err)
	}
	return res, nil
}

func orDefault(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}

// tailBuffer keeps the last maxOutputBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= maxOutputBytes {
		t.buf.Reset()
		t.buf.Write(p[len(p)-maxOutputBytes:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - maxOutputBytes; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
