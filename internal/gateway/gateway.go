// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"envtracker/internal/packages"
	"envtracker/internal/process"
)

// ErrDeclined is returned when the user answered no at a package manager prompt
var ErrDeclined error = declinedError{}

type declinedError struct{}

func (declinedError) Error() string { return "declined at package manager prompt" }

// Cancelled marks the error for errdefs.IsCanceled
func (declinedError) Cancelled() {}

// Options tunes a package-manager invocation
type Options struct {
	// Yes passes the package manager's assume-yes flag
	Yes bool
	// ChannelCommand is appended to conda invocations
	ChannelCommand string
	// IndexURLs are the pip indexes, the first one primary
	IndexURLs []string
}

// Gateway runs conda, pip and R through a process.Runner
type Gateway struct {
	runner process.Runner

	mu       sync.Mutex
	condaBin string
}

// New creates a gateway
func New(runner process.Runner) *Gateway {
	return &Gateway{runner: runner}
}

func (g *Gateway) output(ctx context.Context, line string) (string, error) {
	res, err := g.runner.Run(ctx, process.Command{Line: line})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// exec runs a mutating command. Without opts.Yes the command gets a terminal
// so the package manager can ask for confirmation.
func (g *Gateway) exec(ctx context.Context, line string, yes bool) (*process.Result, error) {
	res, err := g.runner.Run(ctx, process.Command{Line: line, Interactive: !yes})
	if res != nil {
		out := res.Stdout + res.Stderr
		if process.UserDeclined(out) || strings.Contains(out, "KeyboardInterrupt") {
			return res, ErrDeclined
		}
	}
	if err != nil {
		log.G(ctx).WithField("command", line).Error("package manager command failed")
		return res, err
	}
	return res, nil
}

// CondaVersion returns the installed conda version
func (g *Gateway) CondaVersion(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "conda --version")
	if err != nil {
		return "", fmt.Errorf("failed to check conda version, is anaconda/miniconda installed? %w", err)
	}
	return ParseCondaVersion(out), nil
}

// Environments lists the conda environments
func (g *Gateway) Environments(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "conda env list")
	if err != nil {
		return nil, fmt.Errorf("failed to list conda environments: %w", err)
	}
	return ParseEnvList(out), nil
}

// DefaultChannels returns the configured conda channels, highest priority first
func (g *Gateway) DefaultChannels(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "conda config --get channels")
	if err != nil {
		return nil, fmt.Errorf("failed to read conda channels: %w", err)
	}
	return ParseChannels(out), nil
}

// Dependencies lists everything installed in the environment
func (g *Gateway) Dependencies(ctx context.Context, name string, withR bool) (packages.Dependencies, error) {
	out, err := g.output(ctx, "conda list --name "+name)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages of %s: %w", name, err)
	}
	deps := ParseCondaList(out)
	if !withR {
		return deps, nil
	}

	line, err := g.shellCommand(ctx, name, WrapRCommand(listRPackages))
	if err != nil {
		return nil, err
	}
	out, err = g.output(ctx, line)
	if err != nil {
		return nil, fmt.Errorf("failed to list R packages of %s: %w", name, err)
	}
	deps[packages.R] = ParseRPackages(out)
	return deps, nil
}

// Create creates a conda environment and returns the command run
func (g *Gateway) Create(ctx context.Context, name string, pkgs []packages.Package, opts Options) (string, error) {
	line := CondaCreateCommand(name, pkgs, opts.ChannelCommand, opts.Yes)
	if _, err := g.exec(ctx, line, opts.Yes); err != nil {
		return line, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return line, nil
}

// Install installs packages from the source and returns the command run
func (g *Gateway) Install(ctx context.Context, name string, source packages.Source, pkgs []packages.Package, opts Options) (string, error) {
	switch source {
	case packages.Conda:
		line := CondaInstallCommand(name, pkgs, opts.Yes)
		_, err := g.exec(ctx, joinNonEmpty(" ", line, opts.ChannelCommand), opts.Yes)
		return line, err
	case packages.Pip:
		var line string
		if len(pkgs) == 1 && pkgs[0].SpecIsCustom() {
			line = PipCustomInstallCommand(pkgs[0].Spec)
		} else {
			line = PipInstallCommand(pkgs, opts.IndexURLs)
		}
		return line, g.inEnv(ctx, name, line, opts.Yes)
	case packages.R:
		line := RShellInstallCommand(pkgs)
		full, err := g.shellCommand(ctx, name, line)
		if err != nil {
			return line, err
		}
		res, err := g.exec(ctx, full, true)
		if err != nil {
			return line, err
		}
		if rPackageUnavailable(res.Stdout+res.Stderr, pkgs) {
			return line, fmt.Errorf("R packages not available for %s: %s", name, strings.Join(packages.Names(pkgs), ", "))
		}
		return line, nil
	}
	return "", fmt.Errorf("unknown package source %q: %w", source, errdefs.ErrInvalidArgument)
}

// Remove removes packages and returns the command run
func (g *Gateway) Remove(ctx context.Context, name string, source packages.Source, pkgs []packages.Package, opts Options) (string, error) {
	switch source {
	case packages.Conda:
		line := CondaRemoveCommand(name, pkgs, opts.Yes)
		_, err := g.exec(ctx, joinNonEmpty(" ", line, opts.ChannelCommand), opts.Yes)
		return line, err
	case packages.Pip:
		line := PipRemoveCommand(pkgs, opts.Yes)
		return line, g.inEnv(ctx, name, line, opts.Yes)
	case packages.R:
		line := RShellRemoveCommand(pkgs)
		return line, g.inEnv(ctx, name, line, true)
	}
	return "", fmt.Errorf("unknown package source %q: %w", source, errdefs.ErrInvalidArgument)
}

// UpdateAll runs "conda update --all" and returns the command run
func (g *Gateway) UpdateAll(ctx context.Context, name string, pkgs []packages.Package, opts Options) (string, error) {
	line := CondaUpdateAllCommand(name, pkgs, opts.Yes)
	_, err := g.exec(ctx, joinNonEmpty(" ", line, opts.ChannelCommand), opts.Yes)
	return line, err
}

// UpdateEnvironment brings the environment in line with the spec files in envDir
func (g *Gateway) UpdateEnvironment(ctx context.Context, name, envDir string) error {
	envFile := filepath.Join(envDir, "conda-env.yaml")
	if _, err := os.Stat(envFile); err != nil {
		return fmt.Errorf("no environment file to update from in %s, someone may need to push to this remote: %w", envDir, errdefs.ErrNotFound)
	}
	if _, err := g.exec(ctx, fmt.Sprintf("conda env update --prune --file %q", envFile), true); err != nil {
		return fmt.Errorf("failed to update %s: %w", name, err)
	}

	installR := filepath.Join(envDir, "install.R")
	if _, err := os.Stat(installR); err != nil {
		return nil
	}
	abs, err := filepath.Abs(installR)
	if err != nil {
		return err
	}
	if err := g.inEnv(ctx, name, WrapRCommand(fmt.Sprintf("source(%q)", abs)), true); err != nil {
		return fmt.Errorf("failed to update R packages of %s: %w", name, err)
	}
	return nil
}

// Delete removes a conda environment
func (g *Gateway) Delete(ctx context.Context, name string) error {
	if IsActive(name) {
		return fmt.Errorf("run \"conda deactivate\" before removing or rebuilding %s: %w", name, errdefs.ErrFailedPrecondition)
	}
	if _, err := g.exec(ctx, "conda env remove -y --name "+name, true); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) inEnv(ctx context.Context, name, line string, yes bool) error {
	full, err := g.shellCommand(ctx, name, line)
	if err != nil {
		return err
	}
	_, err = g.exec(ctx, full, yes)
	return err
}

// shellCommand prefixes line with the conda activation unless the
// environment is already active
func (g *Gateway) shellCommand(ctx context.Context, name, line string) (string, error) {
	if IsActive(name) {
		return line, nil
	}
	activate, err := g.activateCommand(ctx, name)
	if err != nil {
		return "", err
	}
	return activate + " && " + line, nil
}

func (g *Gateway) activateCommand(ctx context.Context, name string) (string, error) {
	bin, err := g.condaBinDir(ctx)
	if err != nil {
		return "", err
	}
	script := filepath.Join(filepath.Dir(bin), "etc", "profile.d", "conda.sh")
	return fmt.Sprintf("source %s && conda activate %s", script, name), nil
}

func (g *Gateway) condaBinDir(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.condaBin != "" {
		return g.condaBin, nil
	}
	if exe := os.Getenv("CONDA_EXE"); exe != "" {
		g.condaBin = filepath.Dir(exe)
		return g.condaBin, nil
	}
	out, err := g.output(ctx, "which conda")
	if err != nil {
		var cmdErr *process.CommandError
		if errors.As(err, &cmdErr) {
			return "", fmt.Errorf("an anaconda/miniconda install is required: %w", errdefs.ErrNotFound)
		}
		return "", err
	}
	g.condaBin = filepath.Dir(strings.TrimSpace(out))
	return g.condaBin, nil
}

// IsActive reports whether name is the currently activated conda environment
func IsActive(name string) bool {
	return strings.TrimSpace(os.Getenv("CONDA_DEFAULT_ENV")) == name
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
