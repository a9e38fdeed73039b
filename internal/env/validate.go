package env

import (
	"context"
	"slices"

	"github.com/containerd/log"

	"envtracker/internal/history"
	"envtracker/internal/packages"
)

// Validate checks every tracked package against the live dependencies.
// After a pull each of them is expected to be installed.
func (e *Environment) Validate(ctx context.Context) error {
	if err := e.UpdateDependencies(ctx); err != nil {
		return err
	}
	for _, source := range packages.Sources {
		if source == packages.R && !e.tracksR() {
			continue
		}
		if err := e.validate(ctx, e.History, e.History.Packages.Packages(source), source); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePackages checks the tracked packages of source after an operation.
// A tracked package missing from the dependencies is an install failure when
// the operation asked for it, and otherwise is dropped with a warning since
// the operation removed it as a side effect.
func (e *Environment) ValidatePackages(ctx context.Context, installed []packages.Package, source packages.Source) error {
	return e.validate(ctx, e.History, installed, source)
}

func (e *Environment) validate(ctx context.Context, h *history.History, installed []packages.Package, source packages.Source) error {
	var missing []string
	for _, name := range h.Packages.Names(source) {
		if !e.Dependencies.Has(source, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	requested := packages.Names(installed)
	var failed, dropped []string
	for _, name := range missing {
		if slices.Contains(requested, name) {
			failed = append(failed, name)
			continue
		}
		dropped = append(dropped, name)
	}
	if len(failed) > 0 {
		return &InstallError{Source: source, Packages: failed}
	}
	for _, name := range dropped {
		log.G(ctx).WithFields(log.Fields{
			"env":     e.Name,
			"source":  source,
			"package": name,
		}).Warn("package was removed during the last command")
	}
	h.Packages = h.Packages.Without(source, dropped...)
	return nil
}

// requirePackage checks that a conda package needed to run a command is installed
func (e *Environment) requirePackage(name, needed string) error {
	if !e.Dependencies.Has(packages.Conda, name) {
		return &MissingToolError{Package: name, Needed: needed}
	}
	return nil
}
