// internal/env/handlers.go
package env

import (
	"context"
	"fmt"
	"slices"

	"github.com/containerd/errdefs"

	"envtracker/internal/gateway"
	"envtracker/internal/history"
	"envtracker/internal/packages"
)

// Options tunes a tracked package operation
type Options struct {
	// Channels are preferred over the history's channels for this operation
	Channels []string
	// IndexURLs are the pip indexes, the first one primary
	IndexURLs             []string
	Yes                   bool
	StrictChannelPriority bool
	// Replay is the revision being replayed. The new revision keeps its log
	// and operation so the user's intent survives the merge.
	Replay *history.Revision
}

var errNoPackages = fmt.Errorf("no packages given: %w", errdefs.ErrInvalidArgument)

// CondaInstall installs or updates conda packages
func (e *Environment) CondaInstall(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	channelCommand := e.History.Channels.Command(opts.Channels, opts.StrictChannelPriority)
	if _, err := e.Manager().Install(ctx, e.Name, packages.Conda, pkgs, gateway.Options{Yes: opts.Yes, ChannelCommand: channelCommand}); err != nil {
		return err
	}
	return e.recordConda(ctx, history.OpInstall, pkgs, opts)
}

// CondaUpdateAll runs "conda update --all", keeping pkgs at their specs
func (e *Environment) CondaUpdateAll(ctx context.Context, pkgs []packages.Package, opts Options) error {
	channelCommand := e.History.Channels.Command(opts.Channels, opts.StrictChannelPriority)
	if _, err := e.Manager().UpdateAll(ctx, e.Name, pkgs, gateway.Options{Yes: opts.Yes, ChannelCommand: channelCommand}); err != nil {
		return err
	}
	return e.recordConda(ctx, history.OpUpdateAll, pkgs, opts)
}

// CondaRemove removes conda packages
func (e *Environment) CondaRemove(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	// conda remove does not take --strict-channel-priority
	channelCommand := e.History.Channels.Command(opts.Channels, false)
	if _, err := e.Manager().Remove(ctx, e.Name, packages.Conda, pkgs, gateway.Options{Yes: opts.Yes, ChannelCommand: channelCommand}); err != nil {
		return err
	}
	return e.recordCondaRemove(ctx, pkgs, opts)
}

// RecordInstall records conda packages installed outside of this tool
func (e *Environment) RecordInstall(ctx context.Context, pkgs []packages.Package) error {
	return e.recordConda(ctx, history.OpInstall, pkgs, Options{StrictChannelPriority: true})
}

// RecordRemove records conda packages removed outside of this tool
func (e *Environment) RecordRemove(ctx context.Context, pkgs []packages.Package) error {
	return e.recordCondaRemove(ctx, pkgs, Options{})
}

func (e *Environment) recordConda(ctx context.Context, kind history.Kind, pkgs []packages.Package, opts Options) error {
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	h := e.History.Clone()
	h.UpdatePackages(e.Dependencies, pkgs, packages.Conda)
	if err := e.validate(ctx, h, pkgs, packages.Conda); err != nil {
		return err
	}

	build := func(pkgs []packages.Package) string {
		if kind == history.OpUpdateAll {
			return gateway.CondaUpdateAllCommand(e.Name, pkgs, false)
		}
		return gateway.CondaInstallCommand(e.Name, pkgs, false)
	}
	logLine := build(pkgs)
	if len(opts.Channels) > 0 {
		logLine += " " + gateway.FormatChannels(opts.Channels)
	}
	action := build(gateway.PinnedSpecs(pkgs, e.Dependencies, packages.Conda)) + " " +
		h.Channels.Command(opts.Channels, opts.StrictChannelPriority)

	if kind == history.OpUpdateAll {
		// after update --all only python and the named packages keep their specs
		requested := packages.Names(pkgs)
		var reset []packages.Package
		for _, p := range h.Packages.Packages(packages.Conda) {
			if p.Name == "python" || slices.Contains(requested, p.Name) {
				continue
			}
			reset = append(reset, packages.New(p.Name))
		}
		h.Respec(packages.Conda, reset)
	}

	op := history.Operation{
		Kind:                  kind,
		Source:                packages.Conda,
		Specs:                 packages.Specs(pkgs),
		Channels:              opts.Channels,
		StrictChannelPriority: opts.StrictChannelPriority,
	}
	return e.commit(ctx, h, logLine, action, op, opts)
}

func (e *Environment) recordCondaRemove(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	h := e.History.Clone()
	h.RemovePackages(pkgs, e.Dependencies, packages.Conda)
	if err := e.validate(ctx, h, nil, packages.Conda); err != nil {
		return err
	}

	remove := gateway.CondaRemoveCommand(e.Name, pkgs, false)
	logLine := remove
	if len(opts.Channels) > 0 {
		logLine += " " + gateway.FormatChannels(opts.Channels)
	}
	action := remove + " " + h.Channels.Command(opts.Channels, false)

	op := history.Operation{Kind: history.OpRemove, Source: packages.Conda, Specs: packages.Names(pkgs), Channels: opts.Channels}
	return e.commit(ctx, h, logLine, action, op, opts)
}

// PipInstall installs pip packages from the given indexes
func (e *Environment) PipInstall(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	if err := e.requirePackage("pip", "install pip packages"); err != nil {
		return err
	}
	if _, err := e.Manager().Install(ctx, e.Name, packages.Pip, pkgs, gateway.Options{Yes: opts.Yes, IndexURLs: opts.IndexURLs}); err != nil {
		return err
	}
	return e.recordPipInstall(ctx, pkgs, opts)
}

func (e *Environment) recordPipInstall(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	h := e.History.Clone()
	h.UpdatePackages(e.Dependencies, pkgs, packages.Pip)
	if err := e.validate(ctx, h, pkgs, packages.Pip); err != nil {
		return err
	}

	logLine := gateway.PipInstallCommand(pkgs, opts.IndexURLs)
	action := gateway.PipInstallCommand(gateway.PinnedSpecs(pkgs, e.Dependencies, packages.Pip), opts.IndexURLs)
	op := history.Operation{Kind: history.OpInstall, Source: packages.Pip, Specs: packages.Specs(pkgs), IndexURLs: opts.IndexURLs}
	return e.commit(ctx, h, logLine, action, op, opts)
}

// PipCustomInstall installs one pip package from a url such as a git repository
func (e *Environment) PipCustomInstall(ctx context.Context, pkg packages.Package, opts Options) error {
	if err := e.requirePackage("pip", "install pip packages"); err != nil {
		return err
	}
	if _, err := e.Manager().Install(ctx, e.Name, packages.Pip, []packages.Package{pkg}, gateway.Options{Yes: opts.Yes}); err != nil {
		return err
	}
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	h := e.History.Clone()
	h.UpdatePackages(e.Dependencies, []packages.Package{pkg}, packages.Pip)
	if err := e.validate(ctx, h, []packages.Package{pkg}, packages.Pip); err != nil {
		return err
	}

	line := gateway.PipCustomInstallCommand(pkg.Spec)
	op := history.Operation{Kind: history.OpInstall, Source: packages.Pip, Specs: []string{pkg.Spec}, Custom: true}
	return e.commit(ctx, h, line, line, op, opts)
}

// PipRemove uninstalls pip packages, custom ones included
func (e *Environment) PipRemove(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	if err := e.requirePackage("pip", "remove pip packages"); err != nil {
		return err
	}
	if _, err := e.Manager().Remove(ctx, e.Name, packages.Pip, pkgs, gateway.Options{Yes: opts.Yes}); err != nil {
		return err
	}
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	h := e.History.Clone()
	h.RemovePackages(pkgs, e.Dependencies, packages.Pip)
	if err := e.validate(ctx, h, nil, packages.Pip); err != nil {
		return err
	}

	line := gateway.PipRemoveCommand(pkgs, false)
	op := history.Operation{Kind: history.OpRemove, Source: packages.Pip, Specs: packages.Names(pkgs)}
	return e.commit(ctx, h, line, line, op, opts)
}

// RInstall runs the R install command of each package. A package's Spec is
// its R command, for example install.packages("dplyr").
func (e *Environment) RInstall(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	if err := e.requirePackage("r-base", "install R packages"); err != nil {
		return err
	}
	line, err := e.Manager().Install(ctx, e.Name, packages.R, pkgs, gateway.Options{Yes: true})
	if err != nil {
		return err
	}
	if err := e.updateDependencies(ctx, true); err != nil {
		return err
	}
	h := e.History.Clone()
	h.UpdatePackages(e.Dependencies, pkgs, packages.R)
	if err := e.validate(ctx, h, pkgs, packages.R); err != nil {
		return err
	}

	op := history.Operation{Kind: history.OpInstall, Source: packages.R, Specs: packages.Names(pkgs)}
	return e.commit(ctx, h, line, line, op, opts)
}

// RRemove removes R packages by name
func (e *Environment) RRemove(ctx context.Context, pkgs []packages.Package, opts Options) error {
	if len(pkgs) == 0 {
		return errNoPackages
	}
	if err := e.requirePackage("r-base", "remove R packages"); err != nil {
		return err
	}
	line, err := e.Manager().Remove(ctx, e.Name, packages.R, pkgs, gateway.Options{Yes: true})
	if err != nil {
		return err
	}
	if err := e.updateDependencies(ctx, true); err != nil {
		return err
	}
	h := e.History.Clone()
	h.RemovePackages(pkgs, e.Dependencies, packages.R)
	if err := e.validate(ctx, h, nil, packages.R); err != nil {
		return err
	}

	op := history.Operation{Kind: history.OpRemove, Source: packages.R, Specs: packages.Names(pkgs)}
	return e.commit(ctx, h, line, line, op, opts)
}

// commit appends the revision, adopts h and exports the files
func (e *Environment) commit(ctx context.Context, h *history.History, logLine, action string, op history.Operation, opts Options) error {
	if opts.Replay != nil {
		logLine = opts.Replay.Log
		op = opts.Replay.Operation
	}
	h.Append(logLine, action, op, e.debug(ctx))
	e.History = h
	return e.Export()
}
