package history

import (
	"sort"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"envtracker/internal/packages"
)

// wildcardSpec marks an unconstrained package in exported files
const wildcardSpec = "*"

// PackageRevision holds the packages the user explicitly asked for, per source.
// Values are persistent: every mutation returns a new revision sharing
// structure with the old one, so snapshots taken by earlier revisions never change.
type PackageRevision struct {
	sources map[packages.Source]*iradix.Tree[packages.Package]
}

// NewPackageRevision returns an empty revision
func NewPackageRevision() PackageRevision {
	return PackageRevision{}
}

// Get looks up a package
func (r PackageRevision) Get(source packages.Source, name string) (packages.Package, bool) {
	tree, ok := r.sources[source]
	if !ok {
		return packages.Package{}, false
	}
	return tree.Get([]byte(name))
}

// Has reports whether the package is tracked
func (r PackageRevision) Has(source packages.Source, name string) bool {
	_, ok := r.Get(source, name)
	return ok
}

// Len returns the number of packages tracked for the source
func (r PackageRevision) Len(source packages.Source) int {
	tree, ok := r.sources[source]
	if !ok {
		return 0
	}
	return tree.Len()
}

// IsEmpty reports whether no source tracks any package
func (r PackageRevision) IsEmpty() bool {
	for _, tree := range r.sources {
		if tree.Len() > 0 {
			return false
		}
	}
	return true
}

// Packages returns the tracked packages for a source sorted by name
func (r PackageRevision) Packages(source packages.Source) []packages.Package {
	tree, ok := r.sources[source]
	if !ok {
		return nil
	}
	pkgs := make([]packages.Package, 0, tree.Len())
	tree.Root().Walk(func(_ []byte, p packages.Package) bool {
		pkgs = append(pkgs, p)
		return false
	})
	return pkgs
}

// Names returns the tracked names for a source sorted
func (r PackageRevision) Names(source packages.Source) []string {
	return packages.Names(r.Packages(source))
}

// Sources returns the sources holding packages, known sources first
func (r PackageRevision) Sources() []packages.Source {
	var out []packages.Source
	for _, s := range packages.Sources {
		if r.Len(s) > 0 {
			out = append(out, s)
		}
	}
	var extra []string
	for s, tree := range r.sources {
		if tree.Len() > 0 && !isKnownSource(s) {
			extra = append(extra, string(s))
		}
	}
	sort.Strings(extra)
	for _, s := range extra {
		out = append(out, packages.Source(s))
	}
	return out
}

// With returns a revision where the given packages replace any entry of the same name
func (r PackageRevision) With(source packages.Source, pkgs ...packages.Package) PackageRevision {
	if len(pkgs) == 0 {
		return r
	}
	tree, ok := r.sources[source]
	if !ok {
		tree = iradix.New[packages.Package]()
	}
	txn := tree.Txn()
	for _, p := range pkgs {
		txn.Insert([]byte(p.Name), p)
	}
	return r.replace(source, txn.Commit())
}

// Without returns a revision with the named packages dropped
func (r PackageRevision) Without(source packages.Source, names ...string) PackageRevision {
	tree, ok := r.sources[source]
	if !ok || len(names) == 0 {
		return r
	}
	txn := tree.Txn()
	for _, name := range names {
		txn.Delete([]byte(name))
	}
	return r.replace(source, txn.Commit())
}

// WithVersions returns a revision whose packages carry the versions and
// builds resolved in deps. Packages missing from deps lose their version.
func (r PackageRevision) WithVersions(deps packages.Dependencies) PackageRevision {
	out := r
	for source := range r.sources {
		var updated []packages.Package
		for _, p := range r.Packages(source) {
			dep, ok := deps.Get(source, p.Name)
			if !ok {
				dep = packages.New(p.Name)
			}
			p.Version = dep.Version
			if dep.Build != "" {
				p.Build = dep.Build
			}
			updated = append(updated, p)
		}
		out = out.With(source, updated...)
	}
	return out
}

// Equal compares two revisions package by package
func (r PackageRevision) Equal(other PackageRevision) bool {
	sources := r.Sources()
	otherSources := other.Sources()
	if len(sources) != len(otherSources) {
		return false
	}
	for i, s := range sources {
		if otherSources[i] != s {
			return false
		}
		mine, theirs := r.Packages(s), other.Packages(s)
		if len(mine) != len(theirs) {
			return false
		}
		for j := range mine {
			if !mine[j].Equal(theirs[j]) {
				return false
			}
		}
	}
	return true
}

// Export renders the revision for history.yaml, unconstrained packages as "*"
func (r PackageRevision) Export() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, s := range r.Sources() {
		m := make(map[string]string)
		for _, p := range r.Packages(s) {
			if p.SpecIsName() {
				m[p.Name] = wildcardSpec
			} else {
				m[p.Name] = p.Spec
			}
		}
		out[string(s)] = m
	}
	return out
}

// ParsePackageRevision is the inverse of Export
func ParsePackageRevision(raw map[string]map[string]string) PackageRevision {
	r := NewPackageRevision()
	for source, pkgs := range raw {
		var parsed []packages.Package
		for name, spec := range pkgs {
			if spec == wildcardSpec || spec == "" {
				parsed = append(parsed, packages.New(name))
			} else {
				parsed = append(parsed, packages.Package{Name: name, Spec: spec})
			}
		}
		r = r.With(packages.Source(source), parsed...)
	}
	return r
}

func (r PackageRevision) replace(source packages.Source, tree *iradix.Tree[packages.Package]) PackageRevision {
	sources := make(map[packages.Source]*iradix.Tree[packages.Package], len(r.sources)+1)
	for s, t := range r.sources {
		sources[s] = t
	}
	if tree.Len() == 0 {
		delete(sources, source)
	} else {
		sources[source] = tree
	}
	return PackageRevision{sources: sources}
}

func isKnownSource(s packages.Source) bool {
	for _, known := range packages.Sources {
		if s == known {
			return true
		}
	}
	return false
}
