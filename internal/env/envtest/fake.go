// Package envtest provides an in-memory package manager for tests
package envtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"envtracker/internal/env"
	"envtracker/internal/gateway"
	"envtracker/internal/packages"
	"envtracker/internal/prompt"
)

// DefaultVersion is the version installed when neither the spec nor the
// catalog names one
const DefaultVersion = "1.0"

// Call is one recorded package manager invocation
type Call struct {
	Method string
	Env    string
	Source packages.Source
	Specs  []string
	Opts   gateway.Options
}

// Manager fakes conda, pip and R. Each environment is a dependency map.
type Manager struct {
	// Catalog maps a package name to the version an unpinned install resolves to
	Catalog map[string]string
	// Drops maps a package name to the packages that disappear with it
	Drops map[string][]string
	// Fail makes installs of the named packages report success while
	// installing nothing
	Fail map[string]bool
	// Channels are returned by DefaultChannels
	Channels []string
	// Err, when set, is returned by every mutating call
	Err error

	mu    sync.Mutex
	envs  map[string]packages.Dependencies
	calls []Call
}

var _ env.PackageManager = (*Manager)(nil)

// NewManager returns a manager with no environments
func NewManager() *Manager {
	return &Manager{
		Catalog:  map[string]string{},
		Drops:    map[string][]string{},
		Fail:     map[string]bool{},
		Channels: []string{"defaults"},
		envs:     map[string]packages.Dependencies{},
	}
}

// Seed creates an environment holding the given conda packages at the
// given versions, bypassing the call log
func (m *Manager) Seed(name string, versions map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deps := packages.Dependencies{packages.Conda: {}}
	for n, v := range versions {
		deps.Set(packages.Conda, packages.Package{Name: n, Spec: n, Version: v, Build: "0"})
	}
	m.envs[name] = deps
}

// Installed returns a copy of the environment's dependencies
func (m *Manager) Installed(name string) packages.Dependencies {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.envs[name].Clone()
}

// Calls returns the mutating calls made so far
func (m *Manager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Reset forgets the recorded calls
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Manager) record(method, name string, source packages.Source, pkgs []packages.Package, opts gateway.Options) error {
	m.calls = append(m.calls, Call{Method: method, Env: name, Source: source, Specs: packages.Specs(pkgs), Opts: opts})
	return m.Err
}

func (m *Manager) Dependencies(_ context.Context, name string, withR bool) (packages.Dependencies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deps, ok := m.envs[name]
	if !ok {
		return nil, fmt.Errorf("environment %s: %w", name, errdefs.ErrNotFound)
	}
	out := deps.Clone()
	if !withR {
		delete(out, packages.R)
	}
	return out, nil
}

func (m *Manager) Environments(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.envs))
	for n := range m.envs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (m *Manager) DefaultChannels(context.Context) ([]string, error) {
	return slices.Clone(m.Channels), nil
}

func (m *Manager) Create(_ context.Context, name string, pkgs []packages.Package, opts gateway.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create", name, packages.Conda, pkgs, opts); err != nil {
		return "", err
	}
	m.envs[name] = packages.Dependencies{packages.Conda: {}}
	m.install(name, packages.Conda, pkgs)
	return gateway.CondaCreateCommand(name, pkgs, opts.ChannelCommand, opts.Yes), nil
}

func (m *Manager) Install(_ context.Context, name string, source packages.Source, pkgs []packages.Package, opts gateway.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("install", name, source, pkgs, opts); err != nil {
		return "", err
	}
	if _, ok := m.envs[name]; !ok {
		return "", fmt.Errorf("environment %s: %w", name, errdefs.ErrNotFound)
	}
	m.install(name, source, pkgs)
	switch source {
	case packages.Pip:
		return gateway.PipInstallCommand(pkgs, opts.IndexURLs), nil
	case packages.R:
		return gateway.RShellInstallCommand(pkgs), nil
	}
	return gateway.CondaInstallCommand(name, pkgs, opts.Yes), nil
}

func (m *Manager) Remove(_ context.Context, name string, source packages.Source, pkgs []packages.Package, opts gateway.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("remove", name, source, pkgs, opts); err != nil {
		return "", err
	}
	deps := m.envs[name]
	for _, p := range pkgs {
		delete(deps[source], p.Name)
		for _, dropped := range m.Drops[p.Name] {
			delete(deps[source], dropped)
		}
	}
	switch source {
	case packages.Pip:
		return gateway.PipRemoveCommand(pkgs, opts.Yes), nil
	case packages.R:
		return gateway.RShellRemoveCommand(pkgs), nil
	}
	return gateway.CondaRemoveCommand(name, pkgs, opts.Yes), nil
}

func (m *Manager) UpdateAll(_ context.Context, name string, pkgs []packages.Package, opts gateway.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("update-all", name, packages.Conda, pkgs, opts); err != nil {
		return "", err
	}
	deps := m.envs[name]
	for n, p := range deps[packages.Conda] {
		if v, ok := m.Catalog[n]; ok {
			p.Version = v
			deps[packages.Conda][n] = p
		}
	}
	m.install(name, packages.Conda, pkgs)
	return gateway.CondaUpdateAllCommand(name, pkgs, opts.Yes), nil
}

var rInstallName = regexp.MustCompile(`"([^"]+)"`)

// UpdateEnvironment rebuilds the environment from the conda-env.yaml and
// install.R found in envDir, like "conda env update --prune"
func (m *Manager) UpdateEnvironment(_ context.Context, name, envDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("update-environment", name, "", nil, gateway.Options{}); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(envDir, "conda-env.yaml"))
	if err != nil {
		return fmt.Errorf("no environment file in %s: %w", envDir, errdefs.ErrNotFound)
	}
	pinned, err := env.ParseEnvFile(data)
	if err != nil {
		return err
	}

	deps := packages.Dependencies{packages.Conda: {}}
	for _, source := range []packages.Source{packages.Conda, packages.Pip} {
		for _, p := range pinned[source] {
			deps.Set(source, packages.Package{Name: p.Name, Spec: p.Name, Version: p.Version, Build: "0"})
		}
	}
	// R packages survive a conda update unless install.R says otherwise
	if old, ok := m.envs[name]; ok {
		for _, p := range old[packages.R] {
			deps.Set(packages.R, p)
		}
	}
	m.envs[name] = deps

	if data, err := os.ReadFile(filepath.Join(envDir, "install.R")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if match := rInstallName.FindStringSubmatch(line); match != nil {
				m.install(name, packages.R, []packages.Package{{Name: match[1], Spec: line}})
			}
		}
	}
	return nil
}

func (m *Manager) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete", name, "", nil, gateway.Options{}); err != nil {
		return err
	}
	delete(m.envs, name)
	return nil
}

// install resolves each package to its pinned version, the catalog
// version or DefaultVersion
func (m *Manager) install(name string, source packages.Source, pkgs []packages.Package) {
	deps := m.envs[name]
	for _, p := range pkgs {
		if m.Fail[p.Name] {
			continue
		}
		var version string
		if source != packages.R && !p.SpecIsCustom() {
			version = p.VersionFromSpec(true)
		}
		if version == "" {
			version = m.Catalog[p.Name]
		}
		if version == "" {
			version = DefaultVersion
		}
		pkg := packages.Package{Name: p.Name, Spec: p.Name, Version: version}
		if source == packages.Conda {
			pkg.Build = "0"
		}
		deps.Set(source, pkg)
	}
}

// Tools reports fixed tool versions
type Tools struct {
	Conda string
}

// CondaVersion returns the fixed conda version
func (t Tools) CondaVersion(context.Context) (string, error) {
	return t.Conda, nil
}

// Catalog is the default set of resolvable versions used by NewTracker
var Catalog = map[string]string{
	"python":   "3.9.7",
	"pip":      "21.2.4",
	"numpy":    "1.21.2",
	"pandas":   "1.3.4",
	"pytest":   "6.2.5",
	"requests": "2.26.0",
	"r-base":   "4.1.1",
	"dplyr":    "1.0.7",
}

// Epoch is the fixed time stamped into revisions made by NewTracker
var Epoch = time.Date(2021, 10, 1, 12, 0, 0, 0, time.UTC)

// NewTracker returns a tracker over a fresh Manager, keeping environment
// directories under a temporary directory. Prompts are declined.
func NewTracker(t testing.TB) (*env.Tracker, *Manager) {
	t.Helper()
	m := NewManager()
	for name, version := range Catalog {
		m.Catalog[name] = version
	}
	tracker := &env.Tracker{
		Manager:  m,
		Tools:    Tools{Conda: "4.10.3"},
		Prompter: prompt.Static(false),
		EnvsDir:  t.TempDir(),
		Now:      func() time.Time { return Epoch },
	}
	return tracker, m
}
