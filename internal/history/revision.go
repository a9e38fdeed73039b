package history

import "slices"

// Revision is one appended entry of a history. Log is the command the user
// asked for, Action the exact command that ran.
type Revision struct {
	Log       string
	Action    string
	Operation Operation
	Packages  PackageRevision
	Diff      Diff
	Debug     Debug
}

// Equal compares revisions field by field
func (r Revision) Equal(other Revision) bool {
	return r.Log == other.Log &&
		r.Action == other.Action &&
		r.Operation.Equal(other.Operation) &&
		r.Packages.Equal(other.Packages) &&
		r.Diff.Equal(other.Diff) &&
		r.Debug == other.Debug
}

// Revisions is the ordered, append-only list of revisions. Index 0 is the
// creation revision.
type Revisions struct {
	items []Revision
}

// NewRevisions wraps the given revisions
func NewRevisions(revs ...Revision) Revisions {
	return Revisions{items: slices.Clip(slices.Clone(revs))}
}

// Append adds a revision. The backing array is never shared with a clone.
func (r *Revisions) Append(rev Revision) {
	r.items = append(slices.Clip(r.items), rev)
}

// Len returns the number of revisions
func (r Revisions) Len() int {
	return len(r.items)
}

// At returns the i-th revision
func (r Revisions) At(i int) Revision {
	return r.items[i]
}

// Last returns the most recent revision
func (r Revisions) Last() (Revision, bool) {
	if len(r.items) == 0 {
		return Revision{}, false
	}
	return r.items[len(r.items)-1], true
}

// All returns a copy of the revisions in order
func (r Revisions) All() []Revision {
	return slices.Clone(r.items)
}

// Logs returns the logs in order
func (r Revisions) Logs() []string {
	logs := make([]string, 0, len(r.items))
	for _, rev := range r.items {
		logs = append(logs, rev.Log)
	}
	return logs
}

// Actions returns the actions in order
func (r Revisions) Actions() []string {
	actions := make([]string, 0, len(r.items))
	for _, rev := range r.items {
		actions = append(actions, rev.Action)
	}
	return actions
}

// Equal compares two revision lists entry by entry
func (r Revisions) Equal(other Revisions) bool {
	return slices.EqualFunc(r.items, other.items, Revision.Equal)
}
