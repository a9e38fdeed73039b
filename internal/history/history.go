// internal/history/history.go
package history

import (
	"github.com/google/uuid"

	"envtracker/internal/packages"
)

// FileVersion is written to history.yaml as history-file-version
const FileVersion = "1.0"

// History is the append-only provenance of one environment. ID is fixed at
// creation and identifies the lineage across copies.
type History struct {
	Name      string
	ID        string
	Channels  Channels
	Packages  PackageRevision
	Revisions Revisions

	// changes computed since the last append
	pending Diff
}

// New starts an empty history with a fresh lineage id
func New(name string, channels Channels) *History {
	return &History{
		Name:     name,
		ID:       uuid.New().String(),
		Channels: Channels(nil).Append(channels...),
		Packages: NewPackageRevision(),
	}
}

// Create starts a history and records the creation revision
func Create(name string, channels Channels, deps packages.Dependencies, requested []packages.Package, source packages.Source, log, action string, op Operation, debug Debug) *History {
	h := New(name, channels)
	h.UpdatePackages(deps, requested, source)
	h.Append(log, action, op, debug)
	return h
}

// UpdatePackages records an install: tracked packages are diffed against the
// fresh snapshot and the requested packages become tracked at their
// resolved versions.
func (h *History) UpdatePackages(deps packages.Dependencies, requested []packages.Package, source packages.Source) {
	h.pending = h.pending.Merge(ComputeDiff(deps, h.Packages, requested, source))
	h.Packages = h.Packages.With(source, requested...).WithVersions(deps)
}

// RemovePackages records a removal of tracked packages
func (h *History) RemovePackages(removed []packages.Package, deps packages.Dependencies, source packages.Source) {
	h.Packages = h.Packages.Without(source, packages.Names(removed)...)
	diff := ComputeDiff(deps, h.Packages, nil, source)
	changes, ok := diff[source]
	if !ok {
		diff = RemovalDiff(removed, source)
	} else {
		for _, p := range removed {
			changes.Remove[p.Name] = p
		}
	}
	h.pending = h.pending.Merge(diff)
	h.Packages = h.Packages.WithVersions(deps)
}

// Respec replaces the specs of tracked packages, keeping their resolved versions
func (h *History) Respec(source packages.Source, specs []packages.Package) {
	var updated []packages.Package
	for _, p := range specs {
		current, ok := h.Packages.Get(source, p.Name)
		if !ok {
			continue
		}
		current.Spec = p.Spec
		updated = append(updated, current)
	}
	h.Packages = h.Packages.With(source, updated...)
}

// Append closes the current change set into a new revision. The packages
// snapshot and the pending diff are captured as they are now.
func (h *History) Append(log, action string, op Operation, debug Debug) {
	diff := h.pending
	if diff == nil {
		diff = Diff{}
	}
	h.Revisions.Append(Revision{
		Log:       log,
		Action:    action,
		Operation: op,
		Packages:  h.Packages,
		Diff:      diff,
		Debug:     debug,
	})
	h.pending = nil
}

// Logs returns the revision logs in order
func (h *History) Logs() []string {
	return h.Revisions.Logs()
}

// Actions returns the revision actions in order
func (h *History) Actions() []string {
	return h.Revisions.Actions()
}

// Clone returns a history that can be appended to without affecting h
func (h *History) Clone() *History {
	c := *h
	c.Channels = Channels(nil).Append(h.Channels...)
	c.pending = h.pending.Clone()
	return &c
}

// Equal compares two histories, pending changes excluded
func (h *History) Equal(other *History) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.Name == other.Name &&
		h.ID == other.ID &&
		h.Channels.Equal(other.Channels) &&
		h.Packages.Equal(other.Packages) &&
		h.Revisions.Equal(other.Revisions)
}
