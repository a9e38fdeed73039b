// internal/process/pty.go
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gopty "github.com/aymanbagabas/go-pty"
)

const (
	ptyRows = 40
	ptyCols = 120

	drainTimeout = 250 * time.Millisecond
)

// runPTY runs the command attached to a pseudo terminal. Output is captured
// and echoed; stdin is forwarded so prompts like "Proceed ([y]/n)?" work.
func (r *ShellRunner) runPTY(ctx context.Context, cmd Command) (*Result, error) {
	p, err := gopty.New()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	defer p.Close()

	if err := p.Resize(ptyCols, ptyRows); err != nil {
		return nil, fmt.Errorf("resize pty: %w", err)
	}

	c := p.Command(r.Shell, "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.Env = commandEnv(append([]string{"TERM=xterm-256color"}, cmd.Env...))
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Line, err)
	}

	var out bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		io.Copy(r.tee(&out), p)
	}()
	if r.Stdin != nil {
		go io.Copy(p, r.Stdin)
	}

	proc := started(cmd.Line, 0, c.Wait)
	// a pty command is stopped by hanging up its terminal
	proc.signal = func(os.Signal) error { return p.Close() }
	proc.kill = p.Close
	r.Manager.track(proc)

	select {
	case <-proc.Done():
	case <-ctx.Done():
		p.Close()
		<-proc.Done()
		return nil, fmt.Errorf("interrupted %s: %w", cmd.Line, ctx.Err())
	}
	// drain what the child wrote before exiting
	select {
	case <-copied:
	case <-time.After(drainTimeout):
		p.Close()
		<-copied
	}

	return &Result{
		Line:     cmd.Line,
		Stdout:   out.String(),
		ExitCode: proc.ExitCode(),
	}, nil
}
