package packages

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// InvalidSpecError is returned for specs the package managers cannot take
type InvalidSpecError struct {
	Spec   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid package spec %q: %s", e.Spec, e.Reason)
}

func (e *InvalidSpecError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// CleanSpecs lowercases user specs and turns them into packages.
// Unless custom specs are allowed, a spec containing "/" is rejected.
func CleanSpecs(specs []string, allowCustom bool) ([]Package, error) {
	pkgs := make([]Package, 0, len(specs))
	for _, raw := range specs {
		spec := strings.ToLower(strings.TrimSpace(raw))
		if spec == "" {
			continue
		}
		if !allowCustom && strings.Contains(spec, "/") {
			return nil, &InvalidSpecError{Spec: raw, Reason: "custom urls are only supported for pip installs"}
		}
		pkgs = append(pkgs, FromSpec(spec))
	}
	return pkgs, nil
}

// RPackages pairs R package names with the R commands that install them
func RPackages(names, commands []string) ([]Package, error) {
	if len(names) != len(commands) {
		return nil, &InvalidSpecError{
			Spec:   strings.Join(names, ","),
			Reason: fmt.Sprintf("got %d package names but %d install commands", len(names), len(commands)),
		}
	}
	pkgs := make([]Package, 0, len(names))
	for i, name := range names {
		pkgs = append(pkgs, Package{Name: strings.TrimSpace(name), Spec: strings.TrimSpace(commands[i])})
	}
	return pkgs, nil
}
