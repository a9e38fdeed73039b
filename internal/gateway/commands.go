// internal/gateway/commands.go
package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"envtracker/internal/packages"
)

// DefaultIndexURL is the pip index used when none is given
const DefaultIndexURL = "https://pypi.org/simple"

// RCommand invokes R without site or user profiles
const RCommand = "R --quiet --vanilla"

// listRPackages prints the user installed R packages and their versions
var listRPackages = strings.Join([]string{
	"installed_raw <- installed.packages()",
	"installed_df <- as.data.frame(installed_raw, stringsAsFactors=FALSE)",
	`installed <- installed_df[, c("Package", "Version", "Priority")]`,
	`user_installed <- installed[is.na(installed[["Priority"]]), c("Package", "Version"), drop=FALSE]`,
	"print(user_installed, row.names=FALSE)",
}, ";")

func joinSpecs(pkgs []packages.Package) string {
	return strings.Join(packages.Specs(pkgs), " ")
}

// CondaCreateCommand builds "conda create"
func CondaCreateCommand(name string, pkgs []packages.Package, channelCommand string, yes bool) string {
	parts := []string{"conda", "create"}
	if yes {
		parts = append(parts, "-y")
	}
	parts = append(parts, "--name", name, joinSpecs(pkgs))
	if channelCommand != "" {
		parts = append(parts, channelCommand)
	}
	return strings.Join(parts, " ")
}

// CondaInstallCommand builds "conda install" without channel flags
func CondaInstallCommand(name string, pkgs []packages.Package, yes bool) string {
	if yes {
		return fmt.Sprintf("conda install -y --name %s %s", name, joinSpecs(pkgs))
	}
	return fmt.Sprintf("conda install --name %s %s", name, joinSpecs(pkgs))
}

// CondaUpdateAllCommand builds "conda update --all", optionally pinning packages
func CondaUpdateAllCommand(name string, pkgs []packages.Package, yes bool) string {
	specs := ""
	if len(pkgs) > 0 {
		specs = " " + joinSpecs(pkgs)
	}
	if yes {
		return fmt.Sprintf("conda update --all -y --name %s%s", name, specs)
	}
	return fmt.Sprintf("conda update --all --name %s%s", name, specs)
}

// CondaRemoveCommand builds "conda remove"
func CondaRemoveCommand(name string, pkgs []packages.Package, yes bool) string {
	if yes {
		return fmt.Sprintf("conda remove -y --name %s %s", name, joinSpecs(pkgs))
	}
	return fmt.Sprintf("conda remove --name %s %s", name, joinSpecs(pkgs))
}

// FormatChannels renders "--channel a --channel b"
func FormatChannels(channels []string) string {
	parts := make([]string, 0, 2*len(channels))
	for _, ch := range channels {
		parts = append(parts, "--channel", ch)
	}
	return strings.Join(parts, " ")
}

// IndexCommand renders the pip index flags; urls after the first are extra indexes
func IndexCommand(urls []string) string {
	if len(urls) == 0 {
		urls = []string{DefaultIndexURL}
	}
	parts := []string{"--index-url", urls[0]}
	for _, u := range urls[1:] {
		parts = append(parts, "--extra-index-url", u)
	}
	return strings.Join(parts, " ")
}

// PipInstallCommand builds "pip install" with index flags
func PipInstallCommand(pkgs []packages.Package, indexURLs []string) string {
	return fmt.Sprintf("pip install %s %s", joinSpecs(pkgs), IndexCommand(indexURLs))
}

// PipCustomInstallCommand builds "pip install" for a url spec
func PipCustomInstallCommand(spec string) string {
	return "pip install " + spec
}

// PipRemoveCommand builds "pip uninstall"
func PipRemoveCommand(pkgs []packages.Package, yes bool) string {
	cmd := "pip uninstall " + strings.Join(packages.Names(pkgs), " ")
	if yes {
		cmd += " --yes"
	}
	return cmd
}

// RInstallCommand joins the R install commands into one R expression
func RInstallCommand(pkgs []packages.Package) string {
	return strings.Join(packages.Specs(pkgs), "; ")
}

// RRemoveCommand builds the remove.packages R expression
func RRemoveCommand(pkgs []packages.Package) string {
	quoted := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		quoted = append(quoted, `"`+p.Name+`"`)
	}
	return fmt.Sprintf("remove.packages(c(%s))", strings.Join(quoted, ","))
}

// RShellInstallCommand wraps the R install expression in an R invocation
func RShellInstallCommand(pkgs []packages.Package) string {
	return WrapRCommand(RInstallCommand(pkgs))
}

// RShellRemoveCommand wraps the R remove expression in an R invocation
func RShellRemoveCommand(pkgs []packages.Package) string {
	return WrapRCommand(RRemoveCommand(pkgs))
}

var unescapedQuote = regexp.MustCompile(`(^|[^\\])"`)

// WrapRCommand turns an R expression into a shell command line
func WrapRCommand(expr string) string {
	return fmt.Sprintf("%s -e %s", RCommand, escapeR(expr))
}

// escapeR double quotes the expression, escaping quotes that are not already escaped
func escapeR(expr string) string {
	if !strings.Contains(expr, `"`) {
		return `"` + expr + `"`
	}
	// run twice so adjacent quotes are both caught
	escaped := unescapedQuote.ReplaceAllString(expr, `$1\"`)
	escaped = unescapedQuote.ReplaceAllString(escaped, `$1\"`)
	return `"` + escaped + `"`
}

// ExportInstallR renders install.R from the tracked R packages
func ExportInstallR(pkgs []packages.Package) string {
	return strings.Join(packages.Specs(pkgs), "\n")
}

// PinnedSpecs renders the packages at their resolved versions, the form
// recorded as a revision's action
func PinnedSpecs(pkgs []packages.Package, deps packages.Dependencies, source packages.Source) []packages.Package {
	out := make([]packages.Package, 0, len(pkgs))
	for _, p := range pkgs {
		dep, ok := deps.Get(source, p.Name)
		if !ok || p.SpecIsCustom() {
			out = append(out, p)
			continue
		}
		out = append(out, packages.FromSpec(dep.CreateSpec(source.Separator(), source == packages.Pip)))
	}
	return out
}
