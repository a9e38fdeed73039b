// internal/process/manager.go
package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"

	"github.com/containerd/log"
)

// Spec describes a process to spawn
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Manager tracks the package-manager commands currently running so they
// can be interrupted together on shutdown
type Manager struct {
	ctx     context.Context
	nextID  int
	running map[int]*Process
	mu      sync.Mutex
}

// NewManager creates a new process manager
func NewManager(ctx context.Context) *Manager {
	return &Manager{
		ctx:     ctx,
		running: make(map[int]*Process),
	}
}

// Spawn starts spec for the command line and tracks it until it exits
func (m *Manager) Spawn(line string, spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	proc, err := startCmd(line, cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	m.track(proc)
	return proc, nil
}

// track registers a started process and forgets it once it exits
func (m *Manager) track(proc *Process) {
	m.mu.Lock()
	m.nextID++
	proc.ID = m.nextID
	m.running[proc.ID] = proc
	m.mu.Unlock()

	log.G(m.ctx).WithField("pid", proc.PID).WithField("id", proc.ID).Debug("command started")

	go func() {
		<-proc.Done()
		m.mu.Lock()
		delete(m.running, proc.ID)
		m.mu.Unlock()
	}()
}

// Interrupt shuts down one running command
func (m *Manager) Interrupt(id int) error {
	m.mu.Lock()
	proc, exists := m.running[id]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("no running command %d", id)
	}
	return proc.GracefulShutdown(m.ctx)
}

// KillAll interrupts every running command and waits for them
func (m *Manager) KillAll() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.running))
	for _, proc := range m.running {
		procs = append(procs, proc)
	}
	m.running = make(map[int]*Process)
	m.mu.Unlock()

	// the manager's own context may already be cancelled by the interrupt
	// that triggered the shutdown
	ctx := context.WithoutCancel(m.ctx)
	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			log.G(ctx).WithField("command", p.Line).Warn("interrupting command")
			p.GracefulShutdown(ctx)
		}(proc)
	}
	wg.Wait()
}

// Running returns the command lines still running, oldest first
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, m.running[id].Line)
	}
	return lines
}
