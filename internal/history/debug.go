package history

import (
	"runtime"
	"time"
)

// TimestampLayout is the format of Debug.Timestamp
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Debug records where and with which tools a revision was made
type Debug struct {
	Platform     string `yaml:"platform"`
	CondaVersion string `yaml:"conda_version"`
	PipVersion   string `yaml:"pip_version,omitempty"`
	Timestamp    string `yaml:"timestamp"`
}

// NewDebug stamps a revision made now on this platform
func NewDebug(condaVersion, pipVersion string, now time.Time) Debug {
	return Debug{
		Platform:     Platform(),
		CondaVersion: condaVersion,
		PipVersion:   pipVersion,
		Timestamp:    now.Format(TimestampLayout),
	}
}

// Platform returns the short platform name conda uses
func Platform() string {
	switch runtime.GOOS {
	case "darwin":
		return "osx"
	case "windows":
		return "win"
	default:
		return runtime.GOOS
	}
}
