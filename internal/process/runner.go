// internal/process/runner.go
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/containerd/log"
)

// Command is a shell command line to run
type Command struct {
	Line string
	Dir  string
	Env  []string
	// Interactive runs the command on a pseudo terminal with stdin forwarded,
	// so the package manager can ask for confirmation
	Interactive bool
}

// Result holds the captured output of a finished command
type Result struct {
	Line     string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes shell command lines
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// CommandError is returned when a command exits non-zero
type CommandError struct {
	Line     string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, e.Line)
	}
	return fmt.Sprintf("command failed (exit %d): %s: %s", e.ExitCode, e.Line, lastLines(out, 5))
}

// ShellRunner runs command lines through the user's shell, tracked by a Manager
type ShellRunner struct {
	Shell   string
	Manager *Manager
	// Stdout, when set, receives command output as it is produced
	Stdout io.Writer
	// Stdin feeds interactive commands
	Stdin io.Reader
}

// NewShellRunner creates a runner using the detected shell
func NewShellRunner(manager *Manager, stdout io.Writer, stdin io.Reader) *ShellRunner {
	return &ShellRunner{
		Shell:   getDefaultShell(),
		Manager: manager,
		Stdout:  stdout,
		Stdin:   stdin,
	}
}

// Run executes the command and waits for it. A cancelled context interrupts
// the command the way Ctrl-C would.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	log.G(ctx).WithField("command", cmd.Line).Debug("running command")

	var res *Result
	var err error
	if cmd.Interactive {
		res, err = r.runPTY(ctx, cmd)
	} else {
		res, err = r.runPiped(ctx, cmd)
	}
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Line: cmd.Line, ExitCode: res.ExitCode, Output: res.Stderr + res.Stdout}
	}
	return res, nil
}

func (r *ShellRunner) runPiped(ctx context.Context, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer
	spec := Spec{
		Command: r.Shell,
		Args:    []string{"-c", cmd.Line},
		Dir:     cmd.Dir,
		Env:     commandEnv(cmd.Env),
		Stdout:  r.tee(&stdout),
		Stderr:  &stderr,
	}

	proc, err := r.Manager.Spawn(cmd.Line, spec)
	if err != nil {
		return nil, err
	}

	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.GracefulShutdown(context.Background())
		<-proc.Done()
		return nil, fmt.Errorf("interrupted %s: %w", cmd.Line, ctx.Err())
	}

	return &Result{
		Line:     cmd.Line,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: proc.ExitCode(),
	}, nil
}

func (r *ShellRunner) tee(buf *bytes.Buffer) io.Writer {
	if r.Stdout == nil {
		return buf
	}
	return io.MultiWriter(buf, r.Stdout)
}

func commandEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}

// UserDeclined reports whether the package manager's last confirmation
// prompt was answered no
func UserDeclined(output string) bool {
	i := strings.LastIndex(output, "?")
	if i < 0 {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(output[i+1:]))
	return strings.HasPrefix(answer, "n")
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var (
	cachedDefaultShell     string
	cachedDefaultShellOnce sync.Once
)

// detectDefaultShell prefers bash since activation scripts rely on source
func detectDefaultShell() string {
	for _, shell := range []string{"/bin/bash", "/usr/bin/bash", "/opt/homebrew/bin/bash"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

func getDefaultShell() string {
	cachedDefaultShellOnce.Do(func() {
		cachedDefaultShell = detectDefaultShell()
	})
	return cachedDefaultShell
}
