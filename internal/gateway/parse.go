package gateway

import (
	"strings"

	"envtracker/internal/packages"
)

// ParseCondaList reads "conda list" output. Rows whose last column is pip or
// pypi are pip packages; the rest are conda packages with a build string.
func ParseCondaList(output string) packages.Dependencies {
	deps := packages.Dependencies{packages.Conda: {}}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pkg := packages.Package{Name: fields[0], Spec: fields[0], Version: fields[1]}
		last := fields[len(fields)-1]
		if last == "pip" || last == "pypi" {
			deps.Set(packages.Pip, pkg)
			continue
		}
		if len(fields) > 2 {
			pkg.Build = fields[2]
		}
		deps.Set(packages.Conda, pkg)
	}
	return deps
}

// ParseRPackages reads the table printed by the R listing expression
func ParseRPackages(output string) map[string]packages.Package {
	pkgs := make(map[string]packages.Package)
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(line, ">") || strings.HasPrefix(trimmed, "Package Version") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) != 2 {
			continue
		}
		pkgs[fields[0]] = packages.Package{Name: fields[0], Spec: fields[0], Version: fields[1]}
	}
	return pkgs
}

// ParseCondaVersion reads "conda 4.10.3"
func ParseCondaVersion(output string) string {
	fields := strings.Fields(output)
	if len(fields) < 2 {
		return strings.TrimSpace(output)
	}
	return fields[1]
}

// ParseEnvList reads "conda env list" into environment names
func ParseEnvList(output string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}

// ParseChannels reads "conda config --get channels". conda prints the
// lowest priority first, so the result is reversed.
func ParseChannels(output string) []string {
	var channels []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		parts := strings.Split(line, "'")
		if len(parts) < 2 {
			continue
		}
		channels = append([]string{parts[1]}, channels...)
	}
	return channels
}

// rPackageUnavailable reports R's warning for a package it could not find
func rPackageUnavailable(output string, pkgs []packages.Package) bool {
	for _, p := range pkgs {
		if strings.Contains(output, "package ‘"+p.Name+"’ is not available") {
			return true
		}
	}
	return false
}
