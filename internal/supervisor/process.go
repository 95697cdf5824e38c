package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// Process is a handle to one spawned server.
type Process struct {
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go p.waitLoop()
	return p
}

// waitLoop reaps the child and records how it ended.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

// Done is closed once the operating system reports the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code and whether the process has exited. A
// process killed by a signal reports -1.
func (p *Process) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}
