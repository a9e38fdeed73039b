package reconcile

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// LineageError reports a local and a remote history that started from
// different creations
type LineageError struct {
	Env      string
	LocalID  string
	RemoteID string
}

func (e *LineageError) Error() string {
	return fmt.Sprintf("local and remote histories of %s do not share a lineage (local id %s, remote id %s)", e.Env, e.LocalID, e.RemoteID)
}

func (e *LineageError) Unwrap() error {
	return errdefs.ErrConflict
}

// PushRejectedError reports a remote holding revisions the local history lacks
type PushRejectedError struct {
	Env       string
	RemoteDir string
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("push of %s to %s rejected: the remote has changes not present locally, pull first", e.Env, e.RemoteDir)
}

func (e *PushRejectedError) Unwrap() error {
	return errdefs.ErrConflict
}

// DeclinedError reports a pull the user chose not to go through with
type DeclinedError struct {
	Env    string
	Action string // "overwrite", "merge"
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("pull of %s declined: %s not confirmed", e.Env, e.Action)
}

// Cancelled marks the error for errdefs.IsCanceled
func (e *DeclinedError) Cancelled() {}

// ConflictingPackagesError reports packages changed by both the local and
// the remote side since they diverged
type ConflictingPackagesError struct {
	Env      string
	Packages []string
}

func (e *ConflictingPackagesError) Error() string {
	return fmt.Sprintf("cannot merge %s: packages changed both locally and remotely: %s", e.Env, strings.Join(e.Packages, ", "))
}

func (e *ConflictingPackagesError) Unwrap() error {
	return errdefs.ErrConflict
}
