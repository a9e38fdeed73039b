package env

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"envtracker/internal/packages"
)

var (
	// ErrBaseEnvironment is returned when asked to track conda's base environment
	ErrBaseEnvironment = fmt.Errorf("the base environment cannot be tracked: %w", errdefs.ErrInvalidArgument)
	// ErrMissingChannels is returned when no channel could be determined for a new environment
	ErrMissingChannels = fmt.Errorf("could not find any conda channels: %w", errdefs.ErrFailedPrecondition)
)

// InstallError reports packages an operation asked for that are not installed
// once it finished
type InstallError struct {
	Source   packages.Source
	Packages []string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s packages were not installed: %s", e.Source, strings.Join(e.Packages, ", "))
}

func (e *InstallError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// MissingToolError reports a package the environment needs to run a command
type MissingToolError struct {
	Package string
	Needed  string
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("%q must be conda installed to %s", e.Package, e.Needed)
}

func (e *MissingToolError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}
