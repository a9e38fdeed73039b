// internal/env/env.go
package env

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"envtracker/internal/gateway"
	"envtracker/internal/history"
	"envtracker/internal/packages"
	"envtracker/internal/prompt"
	"envtracker/internal/store"
)

// BaseEnvironment is conda's root environment, which is never tracked
const BaseEnvironment = "base"

// DependencyResolver reports what is installed in an environment
type DependencyResolver interface {
	Dependencies(ctx context.Context, name string, withR bool) (packages.Dependencies, error)
}

// PackageManager drives conda, pip and R. Mutating calls return the
// command line they ran.
type PackageManager interface {
	DependencyResolver
	Environments(ctx context.Context) ([]string, error)
	DefaultChannels(ctx context.Context) ([]string, error)
	Create(ctx context.Context, name string, pkgs []packages.Package, opts gateway.Options) (string, error)
	Install(ctx context.Context, name string, source packages.Source, pkgs []packages.Package, opts gateway.Options) (string, error)
	Remove(ctx context.Context, name string, source packages.Source, pkgs []packages.Package, opts gateway.Options) (string, error)
	UpdateAll(ctx context.Context, name string, pkgs []packages.Package, opts gateway.Options) (string, error)
	UpdateEnvironment(ctx context.Context, name, envDir string) error
	Delete(ctx context.Context, name string) error
}

// Tools reports the versions of the tools stamped into each revision
type Tools interface {
	CondaVersion(ctx context.Context) (string, error)
}

// Tracker opens and creates tracked environments
type Tracker struct {
	Manager  PackageManager
	Tools    Tools
	Prompter prompt.Prompter
	// EnvsDir holds one directory per tracked environment
	EnvsDir string
	// Now stamps revisions; defaults to time.Now
	Now func() time.Time
}

// Environment is a conda environment together with its history
type Environment struct {
	Name         string
	History      *history.History
	Dependencies packages.Dependencies
	Local        *store.Dir

	tracker *Tracker
}

// LocalDir returns the directory holding the files of the named environment
func (t *Tracker) LocalDir(name string) (*store.Dir, error) {
	return store.Open(filepath.Join(t.EnvsDir, name))
}

// Open reads the environment's history and the live dependencies
func (t *Tracker) Open(ctx context.Context, name string) (*Environment, error) {
	local, err := t.LocalDir(name)
	if err != nil {
		return nil, err
	}
	h, err := local.ReadHistory()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	e := &Environment{Name: name, History: h, Local: local, tracker: t}
	if err := e.UpdateDependencies(ctx); err != nil {
		return nil, err
	}
	e.History.Packages = e.History.Packages.WithVersions(e.Dependencies)
	return e, nil
}

// Untracked returns the environment with no history, as it is before a
// first pull
func (t *Tracker) Untracked(name string) (*Environment, error) {
	local, err := t.LocalDir(name)
	if err != nil {
		return nil, err
	}
	return &Environment{Name: name, Local: local, tracker: t}, nil
}

// CreateOptions tunes Create and Infer
type CreateOptions struct {
	Channels              []string
	Yes                   bool
	StrictChannelPriority bool
}

// Create creates a conda environment and starts its history
func (t *Tracker) Create(ctx context.Context, name string, pkgs []packages.Package, opts CreateOptions) (*Environment, error) {
	if name == BaseEnvironment {
		return nil, ErrBaseEnvironment
	}
	existing, err := t.Manager.Environments(ctx)
	if err != nil {
		return nil, err
	}
	if slices.Contains(existing, name) {
		if err := t.replaceExisting(ctx, name, opts.Yes); err != nil {
			return nil, err
		}
	}

	log.G(ctx).WithField("env", name).Debug("creating conda environment")

	var channelCommand string
	if len(opts.Channels) > 0 {
		channelCommand = history.Channels(opts.Channels).Command(nil, opts.StrictChannelPriority)
	}
	if _, err := t.Manager.Create(ctx, name, pkgs, gateway.Options{Yes: opts.Yes, ChannelCommand: channelCommand}); err != nil {
		return nil, err
	}

	deps, err := t.Manager.Dependencies(ctx, name, false)
	if err != nil {
		return nil, err
	}
	channels := opts.Channels
	if len(channels) == 0 {
		if channels, err = t.Manager.DefaultChannels(ctx); err != nil {
			return nil, err
		}
	}
	if len(channels) == 0 {
		return nil, ErrMissingChannels
	}

	e, err := t.start(ctx, name, pkgs, channels, opts.Channels, deps, opts.StrictChannelPriority)
	if err != nil {
		return nil, err
	}
	if err := e.Export(); err != nil {
		return nil, err
	}
	return e, nil
}

// Infer starts tracking an existing conda environment. pkgs are the
// packages the user considers requested; each must already be installed.
func (t *Tracker) Infer(ctx context.Context, name string, pkgs []packages.Package, channels []string) (*Environment, error) {
	if name == BaseEnvironment {
		return nil, ErrBaseEnvironment
	}
	existing, err := t.Manager.Environments(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(existing, name) {
		return nil, fmt.Errorf("environment %s can not be inferred, it does not exist: %w", name, errdefs.ErrNotFound)
	}

	deps, err := t.Manager.Dependencies(ctx, name, false)
	if err != nil {
		return nil, err
	}
	if deps.Has(packages.Conda, "r-base") {
		if deps, err = t.Manager.Dependencies(ctx, name, true); err != nil {
			return nil, err
		}
	}

	var conda, pip []packages.Package
	for _, p := range pkgs {
		switch {
		case deps.Has(packages.Conda, p.Name):
			conda = append(conda, p)
		case deps.Has(packages.Pip, p.Name):
			pip = append(pip, p)
		default:
			return nil, fmt.Errorf("environment %s does not have %s installed: %w", name, p.Spec, errdefs.ErrNotFound)
		}
	}

	effective := channels
	if len(effective) == 0 {
		if effective, err = t.Manager.DefaultChannels(ctx); err != nil {
			return nil, err
		}
	}
	if len(effective) == 0 {
		return nil, ErrMissingChannels
	}

	e, err := t.start(ctx, name, conda, effective, channels, deps, true)
	if err != nil {
		return nil, err
	}
	if len(pip) > 0 {
		if err := e.recordPipInstall(ctx, pip, Options{}); err != nil {
			return nil, err
		}
	}
	if err := e.Export(); err != nil {
		return nil, err
	}
	return e, nil
}

// start records the creation revision of a new history
func (t *Tracker) start(ctx context.Context, name string, pkgs []packages.Package, channels, requested []string, deps packages.Dependencies, strict bool) (*Environment, error) {
	local, err := t.LocalDir(name)
	if err != nil {
		return nil, err
	}
	var channelCommand string
	if len(requested) > 0 {
		channelCommand = history.Channels(requested).Command(nil, strict)
	}
	logLine := gateway.CondaCreateCommand(name, pkgs, channelCommand, false)
	action := gateway.CondaCreateCommand(name, gateway.PinnedSpecs(pkgs, deps, packages.Conda),
		history.Channels(channels).Command(nil, strict), false)
	op := history.Operation{
		Kind:                  history.OpCreate,
		Source:                packages.Conda,
		Specs:                 packages.Specs(pkgs),
		Channels:              requested,
		StrictChannelPriority: strict,
	}

	e := &Environment{Name: name, Dependencies: deps, Local: local, tracker: t}
	e.History = history.Create(name, channels, deps, pkgs, packages.Conda, logLine, action, op, e.debug(ctx))
	return e, nil
}

func (t *Tracker) replaceExisting(ctx context.Context, name string, yes bool) error {
	if !yes {
		ok, err := t.Prompter.Confirm(ctx, fmt.Sprintf("The environment %s already exists. Would you like to replace it", name), false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("environment %s already exists: %w", name, errdefs.ErrAlreadyExists)
		}
	}
	if err := t.Manager.Delete(ctx, name); err != nil {
		return err
	}
	local, err := t.LocalDir(name)
	if err != nil {
		return err
	}
	return local.Delete()
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Manager returns the package manager the environment runs commands with
func (e *Environment) Manager() PackageManager {
	return e.tracker.Manager
}

// IsTracked reports whether the environment has a history
func (e *Environment) IsTracked() bool {
	return e.History != nil
}

// tracksR reports whether R dependencies need listing
func (e *Environment) tracksR() bool {
	return e.History != nil && e.History.Packages.Len(packages.R) > 0
}

// UpdateDependencies refreshes the live dependency snapshot
func (e *Environment) UpdateDependencies(ctx context.Context) error {
	return e.updateDependencies(ctx, e.tracksR())
}

func (e *Environment) updateDependencies(ctx context.Context, withR bool) error {
	deps, err := e.tracker.Manager.Dependencies(ctx, e.Name, withR)
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies of %s: %w", e.Name, err)
	}
	e.Dependencies = deps
	return nil
}

// ReplaceHistory adopts h and refreshes the dependencies
func (e *Environment) ReplaceHistory(ctx context.Context, h *history.History) error {
	e.History = h
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	e.History.Packages = e.History.Packages.WithVersions(e.Dependencies)
	return nil
}

// AppendChannels adds channels to the history for future installs
func (e *Environment) AppendChannels(channels []string) error {
	e.History.Channels = e.History.Channels.Append(channels...)
	return e.Local.WriteHistory(e.History)
}

// Rebuild deletes the conda environment and recreates it from the exported
// environment file
func (e *Environment) Rebuild(ctx context.Context) error {
	log.G(ctx).WithField("env", e.Name).Debug(`if struggling to use an environment try "conda clean --all"`)
	if err := e.tracker.Manager.Delete(ctx, e.Name); err != nil {
		return err
	}
	if err := e.tracker.Manager.UpdateEnvironment(ctx, e.Name, e.Local.Path()); err != nil {
		return err
	}
	return e.UpdateDependencies(ctx)
}

// Remove deletes the conda environment and its local files. The remote
// files are deleted only when confirmed.
func (e *Environment) Remove(ctx context.Context, yes bool) error {
	if !yes {
		ok, err := e.tracker.Prompter.Confirm(ctx, fmt.Sprintf("Are you sure you want to remove the %s environment", e.Name), false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if err := e.tracker.Manager.Delete(ctx, e.Name); err != nil {
		return err
	}

	remoteDir, err := e.Local.RemoteDir()
	if err != nil && !errors.Is(err, store.ErrRemoteNotConfigured) {
		return err
	}
	if err := e.Local.Delete(); err != nil {
		return err
	}
	if remoteDir == "" {
		return nil
	}
	if !yes {
		ok, err := e.tracker.Prompter.Confirm(ctx, fmt.Sprintf("Do you want to remove remote files in dir: %s", remoteDir), false)
		if err != nil || !ok {
			return err
		}
	}
	remote, err := store.At(remoteDir)
	if err != nil {
		return err
	}
	return remote.Delete()
}

// debug stamps a revision made now. Tool lookup failures leave the
// versions empty rather than failing the operation.
func (e *Environment) debug(ctx context.Context) history.Debug {
	var condaVersion string
	if e.tracker.Tools != nil {
		v, err := e.tracker.Tools.CondaVersion(ctx)
		if err != nil {
			log.G(ctx).WithError(err).Warn("could not determine the conda version")
		}
		condaVersion = v
	}
	var pipVersion string
	if p, ok := e.Dependencies.Get(packages.Conda, "pip"); ok {
		pipVersion = p.Version
	} else if p, ok := e.Dependencies.Get(packages.Pip, "pip"); ok {
		pipVersion = p.Version
	}
	return history.NewDebug(condaVersion, pipVersion, e.tracker.now())
}
