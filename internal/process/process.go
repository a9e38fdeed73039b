// internal/process/process.go
package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Shutdown escalation delays
const (
	interruptGrace = 5 * time.Second
	terminateGrace = 3 * time.Second
)

// Process is one running package-manager command
type Process struct {
	ID   int
	Line string
	PID  int

	// signal delivers a signal; kill ends the process for good
	signal func(os.Signal) error
	kill   func() error

	mu      sync.Mutex
	done    chan struct{}
	running bool
	err     error
}

// startCmd starts cmd in its own process group so an interrupt reaches the
// package manager and its children
func startCmd(line string, cmd *exec.Cmd) (*Process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := started(line, cmd.Process.Pid, cmd.Wait)
	p.signal = func(sig os.Signal) error {
		if s, ok := sig.(syscall.Signal); ok {
			return syscall.Kill(-cmd.Process.Pid, s)
		}
		return cmd.Process.Signal(sig)
	}
	p.kill = cmd.Process.Kill
	return p, nil
}

// started wraps a process that is already running. wait blocks until it
// exits.
func started(line string, pid int, wait func() error) *Process {
	p := &Process{
		Line:    line,
		PID:     pid,
		done:    make(chan struct{}),
		running: true,
	}
	go func() {
		err := wait()
		p.mu.Lock()
		p.running = false
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

// IsRunning returns whether the process is running
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Signal sends a signal to the process; an exited process ignores it
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() || p.signal == nil {
		return nil
	}
	return p.signal(sig)
}

// GracefulShutdown interrupts the process like Ctrl-C would, escalating to
// SIGTERM and then a kill when it does not exit
func (p *Process) GracefulShutdown(ctx context.Context) error {
	for _, step := range []struct {
		sig   os.Signal
		grace time.Duration
	}{
		{syscall.SIGINT, interruptGrace},
		{syscall.SIGTERM, terminateGrace},
	} {
		p.Signal(step.sig)
		select {
		case <-p.done:
			return nil
		case <-time.After(step.grace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.kill != nil && p.IsRunning() {
		return p.kill()
	}
	return nil
}

// Wait waits for the process to exit and returns its exit code
func (p *Process) Wait() int {
	<-p.done
	return p.ExitCode()
}

// ExitCode returns the exit code of a finished process, -1 when it was
// killed by a signal or never ran
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return exitCode(p.err)
}

// Done returns a channel that closes when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
