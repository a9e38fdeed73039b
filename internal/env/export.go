package env

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"envtracker/internal/gateway"
	"envtracker/internal/packages"
	"envtracker/internal/store"
)

// noDefaults keeps "conda env update" from falling back to the channels in
// the user's .condarc
const noDefaults = "nodefaults"

// EnvFile is the shape of conda-env.yaml. Dependencies holds
// "name=version" strings and, last, a {pip: [...]} entry.
type EnvFile struct {
	Name         string   `yaml:"name"`
	Channels     []string `yaml:"channels"`
	Dependencies []any    `yaml:"dependencies"`
}

// Export writes history.yaml, conda-env.yaml and install.R. install.R is
// removed when no R package is tracked.
func (e *Environment) Export() error {
	if err := e.Local.WriteHistory(e.History); err != nil {
		return err
	}
	data, err := e.EnvFile()
	if err != nil {
		return err
	}
	if err := e.Local.WriteFile(store.EnvFile, data); err != nil {
		return err
	}
	if e.History.Packages.Len(packages.R) == 0 {
		return e.Local.RemoveFile(store.InstallRFile)
	}
	installR := gateway.ExportInstallR(e.History.Packages.Packages(packages.R))
	return e.Local.WriteFile(store.InstallRFile, []byte(installR))
}

// EnvFile renders conda-env.yaml with the tracked packages pinned to their
// installed versions
func (e *Environment) EnvFile() ([]byte, error) {
	file := EnvFile{
		Name:     e.Name,
		Channels: append([]string{}, e.History.Channels...),
	}
	if !slices.Contains(file.Channels, noDefaults) {
		file.Channels = append(file.Channels, noDefaults)
	}
	for _, p := range e.History.Packages.Packages(packages.Conda) {
		file.Dependencies = append(file.Dependencies, e.pinned(p, packages.Conda))
	}
	if e.History.Packages.Len(packages.Pip) > 0 && len(file.Dependencies) > 0 {
		var pip []string
		for _, p := range e.History.Packages.Packages(packages.Pip) {
			if p.SpecIsCustom() {
				pip = append(pip, p.Spec)
				continue
			}
			pip = append(pip, e.pinned(p, packages.Pip))
		}
		file.Dependencies = append(file.Dependencies, map[string][]string{"pip": pip})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode environment file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode environment file: %w", err)
	}
	return buf.Bytes(), nil
}

// pinned renders name=version from the live dependencies, falling back to
// the version recorded in the history
func (e *Environment) pinned(p packages.Package, source packages.Source) string {
	if dep, ok := e.Dependencies.Get(source, p.Name); ok {
		p.Version = dep.Version
	}
	return p.CreateSpec(source.Separator(), true)
}

// ListPackages prints the tracked packages as "name -> spec -> version"
func (e *Environment) ListPackages(w io.Writer) {
	for _, source := range e.History.Packages.Sources() {
		fmt.Fprintf(w, "#%s:\n", source)
		fmt.Fprintln(w, "#   PACKAGE -> SPEC -> VERSION")
		for _, p := range e.History.Packages.Packages(source) {
			fmt.Fprintf(w, "    %s -> %s -> %s\n", p.Name, p.Spec, p.Version)
		}
	}
}

// Drift compares the pinned conda packages in conda-env.yaml with what is
// installed. Entries are "-name=version" for the recorded side and
// "+name=version" for the installed side.
func (e *Environment) Drift() ([]string, error) {
	data, err := e.Local.ReadFile(store.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", store.EnvFile, err)
	}
	recorded, err := ParseEnvFile(data)
	if err != nil {
		return nil, err
	}

	var changed, added, missing []string
	for _, name := range e.Dependencies.Names(packages.Conda) {
		dep, _ := e.Dependencies.Get(packages.Conda, name)
		rec, ok := recorded.Get(packages.Conda, name)
		switch {
		case !ok:
			added = append(added, "+"+name+"="+dep.Version)
		case rec.Version != dep.Version:
			changed = append(changed, "-"+name+"="+rec.Version, "+"+name+"="+dep.Version)
		}
	}
	for _, name := range e.History.Packages.Names(packages.Conda) {
		if !e.Dependencies.Has(packages.Conda, name) {
			missing = append(missing, "-"+name)
		}
	}
	return slices.Concat(missing, changed, added), nil
}

// ParseEnvFile reads the pinned packages out of conda-env.yaml
func ParseEnvFile(data []byte) (packages.Dependencies, error) {
	var file EnvFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse environment file: %w", err)
	}
	deps := packages.Dependencies{}
	for _, entry := range file.Dependencies {
		switch v := entry.(type) {
		case string:
			deps.Set(packages.Conda, pinnedPackage(v))
		case map[string]any:
			specs, _ := v["pip"].([]any)
			for _, s := range specs {
				if spec, ok := s.(string); ok {
					deps.Set(packages.Pip, pinnedPackage(spec))
				}
			}
		}
	}
	return deps, nil
}

func pinnedPackage(spec string) packages.Package {
	p := packages.FromSpec(spec)
	p.Version = p.VersionFromSpec(true)
	return p
}
