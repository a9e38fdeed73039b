// internal/packages/packages.go
package packages

import (
	"regexp"
	"sort"
	"strings"
)

// Source identifies the package manager a package was installed with
type Source string

const (
	Conda Source = "conda"
	Pip   Source = "pip"
	R     Source = "r"
)

// Sources lists the known sources in export order
var Sources = []Source{Conda, Pip, R}

// Separator returns the name/version separator used in specs for the source
func (s Source) Separator() string {
	if s == Pip {
		return "=="
	}
	return "="
}

var specSeparator = regexp.MustCompile(`[!<=>]+`)

// Package is a user requested package and, once resolved, its installed version
type Package struct {
	Name    string
	Spec    string
	Version string
	Build   string
}

// New returns an unconstrained package
func New(name string) Package {
	return Package{Name: name, Spec: name}
}

// FromSpec builds a package from a user spec such as "numpy>=1.20"
func FromSpec(spec string) Package {
	return Package{Name: SeparateSpec(spec)[0], Spec: spec}
}

// FromSpecs builds packages from a list of specs
func FromSpecs(specs []string) []Package {
	pkgs := make([]Package, 0, len(specs))
	for _, spec := range specs {
		pkgs = append(pkgs, FromSpec(spec))
	}
	return pkgs
}

// SeparateSpec splits a spec into the name and, when present, the constraint
func SeparateSpec(spec string) []string {
	return specSeparator.Split(spec, 2)
}

// SpecIsName reports whether the spec carries no constraint
func (p Package) SpecIsName() bool {
	return p.Spec == p.Name
}

// SpecIsCustom reports whether the package was installed from a custom url
func (p Package) SpecIsCustom() bool {
	return !strings.HasPrefix(p.Spec, p.Name)
}

// VersionFromSpec returns the version encoded in the spec, if any.
// With ignoreBuild a trailing build string is dropped.
func (p Package) VersionFromSpec(ignoreBuild bool) string {
	parts := SeparateSpec(p.Spec)
	if len(parts) != 2 {
		return ""
	}
	if ignoreBuild {
		return SeparateSpec(parts[1])[0]
	}
	return parts[1]
}

// CreateSpec renders the pinned spec from the resolved version and build
func (p Package) CreateSpec(separator string, ignoreBuild bool) string {
	if p.Version == "" {
		return p.Name
	}
	if !ignoreBuild && p.Build != "" {
		return strings.Join([]string{p.Name, p.Version, p.Build}, separator)
	}
	return p.Name + separator + p.Version
}

// Equal compares name and spec, and version/build only when both sides know them
func (p Package) Equal(other Package) bool {
	if p.Name != other.Name || p.Spec != other.Spec {
		return false
	}
	if p.Version != "" && other.Version != "" && p.Version != other.Version {
		return false
	}
	if p.Build != "" && other.Build != "" && p.Build != other.Build {
		return false
	}
	return true
}

// Names returns the package names in input order
func Names(pkgs []Package) []string {
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	return names
}

// Specs returns the package specs in input order
func Specs(pkgs []Package) []string {
	specs := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		specs = append(specs, p.Spec)
	}
	return specs
}

// Dependencies is the live snapshot reported by the package managers,
// transitive dependencies included
type Dependencies map[Source]map[string]Package

// Get looks up a resolved package
func (d Dependencies) Get(source Source, name string) (Package, bool) {
	pkg, ok := d[source][name]
	return pkg, ok
}

// Has reports whether the package is installed
func (d Dependencies) Has(source Source, name string) bool {
	_, ok := d[source][name]
	return ok
}

// Set records a resolved package
func (d Dependencies) Set(source Source, pkg Package) {
	if d[source] == nil {
		d[source] = make(map[string]Package)
	}
	d[source][pkg.Name] = pkg
}

// Names returns the sorted names installed for a source
func (d Dependencies) Names(source Source) []string {
	names := make([]string, 0, len(d[source]))
	for name := range d[source] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that shares no maps with d
func (d Dependencies) Clone() Dependencies {
	out := make(Dependencies, len(d))
	for source, pkgs := range d {
		m := make(map[string]Package, len(pkgs))
		for name, p := range pkgs {
			m[name] = p
		}
		out[source] = m
	}
	return out
}
