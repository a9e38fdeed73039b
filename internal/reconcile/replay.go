package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"

	"envtracker/internal/checkpoint"
	"envtracker/internal/env"
	"envtracker/internal/history"
	"envtracker/internal/packages"
	"envtracker/internal/store"
)

// merge adopts the remote history and replays the local revisions it lacks
func (r *Reconciler) merge(ctx context.Context, e *env.Environment, remote *store.Dir, rh *history.History) (*Result, error) {
	local := e.History
	pending := missingFrom(local, rh)
	conflicts := conflictingPackages(pending, missingFrom(rh, local))

	ok, err := r.confirm(ctx, fmt.Sprintf("The local and remote histories of %s have diverged. Merge them by replaying %d local revisions over the remote history", e.Name, len(pending)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DeclinedError{Env: e.Name, Action: "merge"}
	}
	if err := r.resolveConflicts(ctx, e, conflicts); err != nil {
		return nil, err
	}

	rb, err := r.backup(ctx, e, checkpoint.TriggerMerge, "merge")
	if err != nil {
		return nil, err
	}
	if err := adopt(ctx, e, remote, rh); err != nil {
		return nil, rb.restore(ctx, e, err)
	}

	replayed := make([]string, 0, len(pending))
	for _, rev := range pending {
		if err := replay(ctx, e, rev); err != nil {
			return nil, rb.restore(ctx, e, fmt.Errorf("failed to replay %q: %w", rev.Log, err))
		}
		if !rev.Operation.IsZero() && rev.Operation.Kind != history.OpCreate {
			replayed = append(replayed, rev.Log)
		}
	}
	if err := e.Validate(ctx); err != nil {
		return nil, rb.restore(ctx, e, err)
	}
	if err := e.Export(); err != nil {
		return nil, rb.restore(ctx, e, err)
	}
	return &Result{Outcome: Merged, Replayed: replayed, Conflicts: conflicts, History: e.History}, nil
}

func (r *Reconciler) resolveConflicts(ctx context.Context, e *env.Environment, conflicts []string) error {
	if len(conflicts) == 0 {
		return nil
	}
	logger := log.G(ctx).WithField("packages", strings.Join(conflicts, ","))
	if r.Policy == PolicyLocalWins {
		logger.Warn("packages changed on both sides, local changes are replayed last")
		return nil
	}
	if r.Yes || r.Prompter == nil {
		return &ConflictingPackagesError{Env: e.Name, Packages: conflicts}
	}
	ok, err := r.Prompter.Confirm(ctx, fmt.Sprintf("Both the local and the remote history changed %s. Replay the local changes over the remote ones", strings.Join(conflicts, ", ")), false)
	if err != nil {
		return err
	}
	if !ok {
		return &ConflictingPackagesError{Env: e.Name, Packages: conflicts}
	}
	return nil
}

// missingFrom returns the revisions of h whose log other does not hold, in
// the order of h
func missingFrom(h, other *history.History) []history.Revision {
	logs := mapset.NewThreadUnsafeSet(other.Logs()...)
	var revs []history.Revision
	for _, rev := range h.Revisions.All() {
		if !logs.Contains(rev.Log) {
			revs = append(revs, rev)
		}
	}
	return revs
}

// conflictingPackages returns the packages both sets of revisions operated
// on, as sorted source:name strings
func conflictingPackages(local, remote []history.Revision) []string {
	touched := func(revs []history.Revision) mapset.Set[string] {
		names := mapset.NewThreadUnsafeSet[string]()
		for _, rev := range revs {
			op := rev.Operation
			if op.IsZero() || op.Kind == history.OpCreate {
				continue
			}
			opNames := op.Names()
			if op.Custom {
				opNames = []string{customPackage(rev).Name}
			}
			for _, n := range opNames {
				names.Add(string(op.Source) + ":" + n)
			}
		}
		return names
	}
	both := touched(local).Intersect(touched(remote)).ToSlice()
	slices.Sort(both)
	return both
}

// replay repeats a revision's operation on the environment, keeping its log
func replay(ctx context.Context, e *env.Environment, rev history.Revision) error {
	op := rev.Operation
	logger := log.G(ctx).WithField("log", rev.Log)
	if op.IsZero() || op.Kind == history.OpCreate {
		logger.Warn("revision cannot be replayed, skipping")
		return nil
	}
	logger.Info("replaying")

	opts := env.Options{
		Channels:              op.Channels,
		IndexURLs:             op.IndexURLs,
		Yes:                   true,
		StrictChannelPriority: strictChannelPriority(rev),
		Replay:                &rev,
	}

	switch op.Source {
	case packages.Conda:
		switch op.Kind {
		case history.OpInstall:
			if err := e.CondaInstall(ctx, pinnedSpecs(rev, packages.Conda), opts); err != nil {
				return err
			}
		case history.OpUpdateAll:
			if err := e.CondaUpdateAll(ctx, pinnedSpecs(rev, packages.Conda), opts); err != nil {
				return err
			}
		case history.OpRemove:
			return e.CondaRemove(ctx, op.Packages(), opts)
		}
		e.History.Respec(packages.Conda, op.Packages())
	case packages.Pip:
		switch {
		case op.Kind == history.OpRemove:
			return e.PipRemove(ctx, op.Packages(), opts)
		case op.Custom:
			return e.PipCustomInstall(ctx, customPackage(rev), opts)
		}
		if err := e.PipInstall(ctx, pinnedSpecs(rev, packages.Pip), opts); err != nil {
			return err
		}
		e.History.Respec(packages.Pip, op.Packages())
	case packages.R:
		if op.Kind == history.OpRemove {
			return e.RRemove(ctx, op.Packages(), opts)
		}
		return e.RInstall(ctx, rCommands(rev), opts)
	default:
		return fmt.Errorf("cannot replay %q: unknown source %q", rev.Log, op.Source)
	}
	return nil
}

// strictChannelPriority falls back to the action for revisions recorded
// before operations carried the flag
func strictChannelPriority(rev history.Revision) bool {
	return rev.Operation.StrictChannelPriority || strings.Contains(rev.Action, "--strict-channel-priority")
}

// pinnedSpecs pins each package the operation named to the version the
// revision resolved it to
func pinnedSpecs(rev history.Revision, source packages.Source) []packages.Package {
	requested := rev.Operation.Packages()
	pinned := make([]packages.Package, 0, len(requested))
	for _, p := range requested {
		version := ""
		if up, ok := rev.Diff[source].Upsert[p.Name]; ok {
			version = up.Version
		}
		if version == "" {
			if tracked, ok := rev.Packages.Get(source, p.Name); ok {
				version = tracked.Version
			}
		}
		if version == "" {
			pinned = append(pinned, p)
			continue
		}
		pinned = append(pinned, packages.FromSpec(p.Name+source.Separator()+version))
	}
	return pinned
}

// customPackage finds the package a custom pip install brought in
func customPackage(rev history.Revision) packages.Package {
	var url string
	if len(rev.Operation.Specs) > 0 {
		url = rev.Operation.Specs[0]
	}
	for _, p := range rev.Packages.Packages(packages.Pip) {
		if p.Spec == url {
			return packages.Package{Name: p.Name, Spec: url}
		}
	}
	for name := range rev.Diff[packages.Pip].Upsert {
		return packages.Package{Name: name, Spec: url}
	}
	return packages.Package{Name: url, Spec: url}
}

// rCommands returns the R packages an install revision added, each with
// its install command as spec
func rCommands(rev history.Revision) []packages.Package {
	var names []string
	for name := range rev.Diff[packages.R].Upsert {
		names = append(names, name)
	}
	slices.Sort(names)
	if len(names) == 0 {
		names = rev.Operation.Names()
	}
	pkgs := make([]packages.Package, 0, len(names))
	for _, n := range names {
		if p, ok := rev.Packages.Get(packages.R, n); ok && !p.SpecIsName() {
			pkgs = append(pkgs, packages.Package{Name: n, Spec: p.Spec})
			continue
		}
		pkgs = append(pkgs, packages.Package{Name: n, Spec: fmt.Sprintf("install.packages(%q)", n)})
	}
	return pkgs
}
