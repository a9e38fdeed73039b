package history

import (
	"regexp"
	"slices"
	"strings"

	"envtracker/internal/packages"
)

// Kind names the package-manager operation a revision recorded
type Kind string

const (
	OpCreate    Kind = "create"
	OpInstall   Kind = "install"
	OpRemove    Kind = "remove"
	OpUpdateAll Kind = "update-all"
)

// Operation is the structured form of a revision's log, used for replay.
// For conda and pip Specs are the user specs; for R installs and for every
// remove they are package names.
type Operation struct {
	Kind      Kind            `yaml:"kind"`
	Source    packages.Source `yaml:"source"`
	Specs     []string        `yaml:"specs,omitempty"`
	Channels  []string        `yaml:"channels,omitempty"`
	IndexURLs []string        `yaml:"index-urls,omitempty"`
	Custom    bool            `yaml:"custom,omitempty"`
	// StrictChannelPriority is set when conda solved with strict priority
	StrictChannelPriority bool `yaml:"strict-channel-priority,omitempty"`
}

// Packages returns the operation's specs as packages
func (o Operation) Packages() []packages.Package {
	return packages.FromSpecs(o.Specs)
}

// Names returns the package names the operation names explicitly
func (o Operation) Names() []string {
	return packages.Names(o.Packages())
}

// Equal compares operations, treating nil and empty lists alike
func (o Operation) Equal(other Operation) bool {
	return o.Kind == other.Kind &&
		o.Source == other.Source &&
		o.Custom == other.Custom &&
		o.StrictChannelPriority == other.StrictChannelPriority &&
		slices.Equal(o.Specs, other.Specs) &&
		slices.Equal(o.Channels, other.Channels) &&
		slices.Equal(o.IndexURLs, other.IndexURLs)
}

// IsZero reports whether the operation was never set
func (o Operation) IsZero() bool {
	return o.Kind == ""
}

var (
	rRemoveArgs = regexp.MustCompile(`remove\.packages\(c\(([^)]*)\)`)
	rQuotedName = regexp.MustCompile(`"([^"]+)"`)
)

// ParseOperation derives the operation from a log line. It exists for
// history files written before operations were recorded. ok is false when
// the log is not a command this tool produces.
func ParseOperation(log string) (Operation, bool) {
	log = strings.TrimSpace(log)
	switch {
	case strings.HasPrefix(log, "R "):
		return parseROperation(log), true
	case strings.HasPrefix(log, "conda "):
		return parseCondaOperation(strings.Fields(log))
	case strings.HasPrefix(log, "pip "):
		return parsePipOperation(strings.Fields(log))
	}
	return Operation{}, false
}

func parseCondaOperation(fields []string) (Operation, bool) {
	if len(fields) < 2 {
		return Operation{}, false
	}
	op := Operation{Source: packages.Conda}
	switch fields[1] {
	case "create":
		op.Kind = OpCreate
	case "install":
		op.Kind = OpInstall
	case "remove", "uninstall":
		op.Kind = OpRemove
	case "update":
		op.Kind = OpInstall
	default:
		return Operation{}, false
	}
	for i := 2; i < len(fields); i++ {
		switch tok := fields[i]; tok {
		case "--all":
			op.Kind = OpUpdateAll
		case "--name", "-n":
			i++
		case "--channel", "-c":
			if i+1 < len(fields) {
				op.Channels = append(op.Channels, fields[i+1])
			}
			i++
		default:
			if strings.HasPrefix(tok, "-") {
				continue
			}
			op.Specs = append(op.Specs, unquote(tok))
		}
	}
	if op.Kind == OpRemove {
		op.Specs = packages.Names(op.Packages())
	}
	return op, true
}

func parsePipOperation(fields []string) (Operation, bool) {
	if len(fields) < 2 {
		return Operation{}, false
	}
	op := Operation{Source: packages.Pip}
	switch fields[1] {
	case "install":
		op.Kind = OpInstall
	case "uninstall":
		op.Kind = OpRemove
	default:
		return Operation{}, false
	}
	for i := 2; i < len(fields); i++ {
		switch tok := fields[i]; tok {
		case "--index-url", "--extra-index-url", "-i":
			if i+1 < len(fields) {
				op.IndexURLs = append(op.IndexURLs, fields[i+1])
			}
			i++
		default:
			if strings.HasPrefix(tok, "-") {
				continue
			}
			spec := unquote(tok)
			if strings.Contains(spec, "/") {
				op.Custom = true
			}
			op.Specs = append(op.Specs, spec)
		}
	}
	return op, true
}

func parseROperation(log string) Operation {
	if strings.Contains(log, "remove.packages(") {
		op := Operation{Kind: OpRemove, Source: packages.R}
		if args := rRemoveArgs.FindStringSubmatch(unescapeR(log)); args != nil {
			for _, m := range rQuotedName.FindAllStringSubmatch(args[1], -1) {
				op.Specs = append(op.Specs, m[1])
			}
		}
		return op
	}
	return Operation{Kind: OpInstall, Source: packages.R}
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}

func unescapeR(s string) string {
	return strings.ReplaceAll(s, `\"`, `"`)
}
