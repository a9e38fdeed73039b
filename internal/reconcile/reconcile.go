// Package reconcile keeps a local environment history and its remote copy
// in step
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"

	"envtracker/internal/checkpoint"
	"envtracker/internal/env"
	"envtracker/internal/eventhub"
	"envtracker/internal/history"
	"envtracker/internal/prompt"
	"envtracker/internal/store"
)

// Outcome names what a pull or push did
type Outcome string

const (
	NothingToPull Outcome = "nothing-to-pull"
	FastForward   Outcome = "fast-forward"
	Replaced      Outcome = "replaced"
	Merged        Outcome = "merged"
	UpToDate      Outcome = "up-to-date"
	Published     Outcome = "published"
)

// Policy decides what happens when both sides changed the same package
type Policy string

const (
	// PolicyPrompt asks, and refuses when nobody can be asked
	PolicyPrompt Policy = "prompt"
	// PolicyLocalWins replays the local changes over the remote ones
	PolicyLocalWins Policy = "local-wins"
)

// ParsePolicy validates a policy name. The empty name is PolicyPrompt.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPrompt:
		return PolicyPrompt, nil
	case PolicyLocalWins:
		return PolicyLocalWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Result describes a finished pull or push
type Result struct {
	Outcome Outcome
	// Replayed are the logs of the local revisions replayed by a merge
	Replayed []string
	// Conflicts are the packages changed on both sides, as source:name
	Conflicts []string
	// History is the local history once the call returned
	History *history.History
}

// Reconciler pulls and pushes environment histories
type Reconciler struct {
	Prompter prompt.Prompter
	// Backups snapshots the local directory before it is overwritten so a
	// failed pull can be rolled back
	Backups *checkpoint.Manager
	// Events receives one event per pull or push, may be nil
	Events *eventhub.EventHub
	Policy Policy
	// Yes accepts every prompt
	Yes bool
	Now func() time.Time
}

// IsOrderedSubset reports whether every element of subset appears in
// superset in the same relative order
func IsOrderedSubset(superset, subset []string) bool {
	i := 0
	for _, s := range subset {
		for i < len(superset) && superset[i] != s {
			i++
		}
		if i == len(superset) {
			return false
		}
		i++
	}
	return true
}

// Pull brings the remote history into the local environment
func (r *Reconciler) Pull(ctx context.Context, e *env.Environment) (*Result, error) {
	remoteDir, err := e.Local.RemoteDir()
	if err != nil {
		return nil, err
	}
	remote, rh, err := readRemote(remoteDir)
	if err != nil {
		return nil, err
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("env", e.Name).WithField("remote", remoteDir))
	res, err := r.pull(ctx, e, remote, rh)
	r.emit(e, "pull", remoteDir, rh, res, err)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithField("outcome", res.Outcome).Info("pull finished")
	return res, nil
}

func (r *Reconciler) pull(ctx context.Context, e *env.Environment, remote *store.Dir, rh *history.History) (*Result, error) {
	local := e.History

	if local != nil && rh != nil && local.ID != rh.ID {
		ok, err := r.confirm(ctx, fmt.Sprintf("The remote history of %s has a different id than the local one. Replace the local history with the remote history", e.Name))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &LineageError{Env: e.Name, LocalID: local.ID, RemoteID: rh.ID}
		}
		return r.overwrite(ctx, e, remote, rh, Replaced)
	}

	if rh == nil || (local != nil && IsOrderedSubset(local.Actions(), rh.Actions())) {
		return &Result{Outcome: NothingToPull, History: local}, nil
	}
	if local == nil || IsOrderedSubset(rh.Actions(), local.Actions()) {
		return r.overwrite(ctx, e, remote, rh, FastForward)
	}

	if mapset.NewSet(local.Actions()...).Equal(mapset.NewSet(rh.Actions()...)) {
		ok, err := r.confirm(ctx, fmt.Sprintf("The local and remote histories of %s hold the same actions in a different order. Overwrite the local history with the remote history", e.Name))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &DeclinedError{Env: e.Name, Action: "overwrite"}
		}
		return r.overwrite(ctx, e, remote, rh, Replaced)
	}
	return r.merge(ctx, e, remote, rh)
}

// Push publishes the local history when the remote holds nothing the local
// history lacks
func (r *Reconciler) Push(ctx context.Context, e *env.Environment) (*Result, error) {
	remoteDir, err := e.Local.RemoteDir()
	if err != nil {
		return nil, err
	}
	_, rh, err := readRemote(remoteDir)
	if err != nil {
		return nil, err
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("env", e.Name).WithField("remote", remoteDir))
	res, err := r.push(ctx, e, remoteDir, rh)
	r.emit(e, "push", remoteDir, rh, res, err)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithField("outcome", res.Outcome).Info("push finished")
	return res, nil
}

func (r *Reconciler) push(ctx context.Context, e *env.Environment, remoteDir string, rh *history.History) (*Result, error) {
	local := e.History
	if local == nil {
		return nil, fmt.Errorf("failed to push %s: %w", e.Name, history.ErrNotFound)
	}
	if rh != nil {
		if rh.ID != local.ID {
			return nil, &LineageError{Env: e.Name, LocalID: local.ID, RemoteID: rh.ID}
		}
		if rh.Equal(local) {
			return &Result{Outcome: UpToDate, History: local}, nil
		}
		if !IsOrderedSubset(local.Actions(), rh.Actions()) || !IsOrderedSubset(local.Logs(), rh.Logs()) {
			return nil, &PushRejectedError{Env: e.Name, RemoteDir: remoteDir}
		}
	}
	if err := e.Local.CopyTo(remoteDir); err != nil {
		return nil, err
	}
	log.G(ctx).Debug("local files copied to remote")
	return &Result{Outcome: Published, History: local}, nil
}

// Sync pulls and then pushes
func (r *Reconciler) Sync(ctx context.Context, e *env.Environment) (pulled, pushed *Result, err error) {
	pulled, err = r.Pull(ctx, e)
	if err != nil {
		return nil, nil, err
	}
	pushed, err = r.Push(ctx, e)
	if err != nil {
		return pulled, nil, err
	}
	return pulled, pushed, nil
}

// readRemote returns the remote directory and its history, nil when the
// remote holds none. Nothing is created.
func readRemote(remoteDir string) (*store.Dir, *history.History, error) {
	remote, err := store.At(remoteDir)
	if err != nil {
		return nil, nil, err
	}
	rh, err := remote.ReadHistory()
	if errors.Is(err, history.ErrNotFound) {
		return remote, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read remote history: %w", err)
	}
	return remote, rh, nil
}

func (r *Reconciler) confirm(ctx context.Context, message string) (bool, error) {
	if r.Yes {
		return true, nil
	}
	if r.Prompter == nil {
		return false, nil
	}
	return r.Prompter.Confirm(ctx, message, false)
}

// overwrite replaces the local environment with the remote one
func (r *Reconciler) overwrite(ctx context.Context, e *env.Environment, remote *store.Dir, rh *history.History, outcome Outcome) (*Result, error) {
	rb, err := r.backup(ctx, e, checkpoint.TriggerPull, string(outcome))
	if err != nil {
		return nil, err
	}
	if err := adopt(ctx, e, remote, rh); err != nil {
		return nil, rb.restore(ctx, e, err)
	}
	return &Result{Outcome: outcome, History: e.History}, nil
}

// adopt makes the remote history and environment the local ones
func adopt(ctx context.Context, e *env.Environment, remote *store.Dir, rh *history.History) error {
	if err := e.Manager().UpdateEnvironment(ctx, e.Name, remote.Path()); err != nil {
		return err
	}
	if err := e.Local.OverwriteFrom(remote.Path()); err != nil {
		return err
	}
	if err := e.ReplaceHistory(ctx, rh.Clone()); err != nil {
		return err
	}
	return e.Validate(ctx)
}

// rollback puts the local side back the way it was before a pull
type rollback struct {
	backups      *checkpoint.Manager
	checkpointID string
	history      *history.History
}

func (r *Reconciler) backup(ctx context.Context, e *env.Environment, trigger, description string) (*rollback, error) {
	rb := &rollback{backups: r.Backups, history: e.History}
	if r.Backups == nil {
		return rb, nil
	}
	res, err := r.Backups.Capture(e.Name, e.Local.Path(), trigger, description)
	if err != nil {
		return nil, fmt.Errorf("failed to back up %s: %w", e.Name, err)
	}
	for _, w := range res.Warnings {
		log.G(ctx).Warn(w)
	}
	rb.checkpointID = res.Checkpoint.ID
	log.G(ctx).WithField("checkpoint", rb.checkpointID).Debug("local files backed up")
	return rb, nil
}

// restore undoes a failed pull and returns cause. Failures while restoring
// are logged.
func (rb *rollback) restore(ctx context.Context, e *env.Environment, cause error) error {
	logger := log.G(ctx).WithError(cause)
	e.History = rb.history
	if rb.checkpointID == "" {
		logger.Warn("pull failed with no backup to restore")
		return cause
	}
	if _, err := rb.backups.Restore(e.Name, rb.checkpointID, e.Local.Path()); err != nil {
		logger.WithField("checkpoint", rb.checkpointID).Errorf("failed to restore local files: %v", err)
		return cause
	}
	if rb.history != nil {
		if err := e.Manager().UpdateEnvironment(ctx, e.Name, e.Local.Path()); err != nil {
			logger.Errorf("failed to restore the environment packages: %v", err)
			return cause
		}
		if err := e.UpdateDependencies(ctx); err != nil {
			logger.Errorf("failed to refresh dependencies: %v", err)
		}
	}
	logger.WithField("checkpoint", rb.checkpointID).Warn("pull failed, local files restored")
	return cause
}

func (r *Reconciler) emit(e *env.Environment, direction, remoteDir string, rh *history.History, res *Result, err error) {
	if r.Events == nil {
		return
	}
	ev := eventhub.SyncEvent{
		Env:       e.Name,
		Direction: direction,
		RemoteDir: remoteDir,
		Time:      r.now(),
	}
	if e.History != nil {
		ev.LocalRevisions = e.History.Revisions.Len()
	}
	if rh != nil {
		ev.RemoteRevisions = rh.Revisions.Len()
	}
	if res != nil {
		ev.Outcome = string(res.Outcome)
		ev.Replayed = res.Replayed
		ev.Conflicts = res.Conflicts
	}
	if err != nil {
		ev.Error = err.Error()
		var conflict *ConflictingPackagesError
		if errors.As(err, &conflict) {
			ev.Conflicts = conflict.Packages
		}
	}
	r.Events.EmitSync(ev)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
