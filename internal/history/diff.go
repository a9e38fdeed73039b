package history

import (
	"maps"
	"reflect"
	"sort"

	"envtracker/internal/packages"
)

// Changes is what one revision did to one source
type Changes struct {
	Upsert map[string]packages.Package
	Remove map[string]packages.Package
}

// IsEmpty reports whether the changes touch nothing
func (c Changes) IsEmpty() bool {
	return len(c.Upsert) == 0 && len(c.Remove) == 0
}

// Diff is the per-source change set attached to a revision
type Diff map[packages.Source]Changes

// ComputeDiff compares the tracked packages, resolved at their previous
// versions, with a fresh dependency snapshot. Tracked names missing from deps
// are removals, tracked names whose version moved are upserts, and the
// explicit upserts are added on top and win over computed entries.
func ComputeDiff(deps packages.Dependencies, current PackageRevision, upsert []packages.Package, source packages.Source) Diff {
	changes := Changes{
		Upsert: make(map[string]packages.Package),
		Remove: make(map[string]packages.Package),
	}
	for _, p := range current.Packages(source) {
		dep, ok := deps.Get(source, p.Name)
		if !ok {
			changes.Remove[p.Name] = p
			continue
		}
		if dep.Version != p.Version {
			changes.Upsert[p.Name] = resolved(p, dep)
		}
	}
	for _, p := range upsert {
		if dep, ok := deps.Get(source, p.Name); ok {
			p = resolved(p, dep)
		}
		delete(changes.Remove, p.Name)
		changes.Upsert[p.Name] = p
	}
	if changes.IsEmpty() {
		return Diff{}
	}
	return Diff{source: changes}
}

// RemovalDiff records packages dropped by a remove operation
func RemovalDiff(removed []packages.Package, source packages.Source) Diff {
	if len(removed) == 0 {
		return Diff{}
	}
	changes := Changes{
		Upsert: make(map[string]packages.Package),
		Remove: make(map[string]packages.Package),
	}
	for _, p := range removed {
		changes.Remove[p.Name] = p
	}
	return Diff{source: changes}
}

// Clone returns a copy sharing no maps with d
func (d Diff) Clone() Diff {
	if d == nil {
		return nil
	}
	out := make(Diff, len(d))
	for s, c := range d {
		out[s] = Changes{Upsert: maps.Clone(c.Upsert), Remove: maps.Clone(c.Remove)}
	}
	return out
}

// Merge returns a diff holding the changes of both, other winning per source
func (d Diff) Merge(other Diff) Diff {
	out := make(Diff, len(d)+len(other))
	for s, c := range d {
		out[s] = c
	}
	for s, c := range other {
		if c.IsEmpty() {
			continue
		}
		out[s] = c
	}
	return out
}

// Names returns every package name the diff touches in the source
func (d Diff) Names(source packages.Source) []string {
	c, ok := d[source]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(c.Upsert)+len(c.Remove))
	for name := range c.Upsert {
		names = append(names, name)
	}
	for name := range c.Remove {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export renders the diff for history.yaml. Upserts are pinned as
// name=version (name==version for pip), removals are bare names.
func (d Diff) Export() map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	for source, c := range d {
		if c.IsEmpty() {
			continue
		}
		upsert := make([]string, 0, len(c.Upsert))
		for _, p := range sortedPackages(c.Upsert) {
			if source == packages.R {
				upsert = append(upsert, p.Name)
			} else {
				upsert = append(upsert, p.CreateSpec(source.Separator(), true))
			}
		}
		remove := make([]string, 0, len(c.Remove))
		for _, p := range sortedPackages(c.Remove) {
			remove = append(remove, p.Name)
		}
		out[string(source)] = map[string][]string{
			"upsert": upsert,
			"remove": remove,
		}
	}
	return out
}

// ParseDiff is the inverse of Export
func ParseDiff(raw map[string]map[string][]string) Diff {
	d := make(Diff, len(raw))
	for rawSource, entries := range raw {
		source := packages.Source(rawSource)
		c := Changes{
			Upsert: make(map[string]packages.Package),
			Remove: make(map[string]packages.Package),
		}
		for _, spec := range entries["upsert"] {
			p := parseDiffEntry(spec, source)
			c.Upsert[p.Name] = p
		}
		for _, spec := range entries["remove"] {
			p := packages.New(packages.SeparateSpec(spec)[0])
			c.Remove[p.Name] = p
		}
		if !c.IsEmpty() {
			d[source] = c
		}
	}
	return d
}

// Equal compares two diffs in their exported form
func (d Diff) Equal(other Diff) bool {
	return reflect.DeepEqual(d.Export(), other.Export())
}

func parseDiffEntry(spec string, source packages.Source) packages.Package {
	if source == packages.R {
		return packages.New(spec)
	}
	parts := packages.SeparateSpec(spec)
	p := packages.New(parts[0])
	if len(parts) == 2 {
		p.Version = parts[1]
	}
	return p
}

func resolved(p, dep packages.Package) packages.Package {
	p.Version = dep.Version
	p.Build = dep.Build
	return p
}

func sortedPackages(m map[string]packages.Package) []packages.Package {
	out := make([]packages.Package, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
