package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/containerd/errdefs"

	"envtracker/internal/packages"
	"envtracker/internal/process"
)

type scriptedRunner struct {
	outputs map[string]string
	lines   []string
	calls   []process.Command
}

func (r *scriptedRunner) Run(_ context.Context, cmd process.Command) (*process.Result, error) {
	r.lines = append(r.lines, cmd.Line)
	r.calls = append(r.calls, cmd)
	for prefix, out := range r.outputs {
		if strings.HasPrefix(cmd.Line, prefix) || strings.Contains(cmd.Line, prefix) {
			return &process.Result{Line: cmd.Line, Stdout: out}, nil
		}
	}
	return &process.Result{Line: cmd.Line}, nil
}

func pkgs(specs ...string) []packages.Package {
	return packages.FromSpecs(specs)
}

func TestCondaCommands(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"create", CondaCreateCommand("env", pkgs("python=3.9", "numpy"), "--override-channels --channel defaults", false),
			"conda create --name env python=3.9 numpy --override-channels --channel defaults"},
		{"create yes", CondaCreateCommand("env", pkgs("python"), "", true), "conda create -y --name env python"},
		{"install", CondaInstallCommand("env", pkgs("pandas"), false), "conda install --name env pandas"},
		{"install yes", CondaInstallCommand("env", pkgs("pandas"), true), "conda install -y --name env pandas"},
		{"update all", CondaUpdateAllCommand("env", nil, false), "conda update --all --name env"},
		{"update all pinned", CondaUpdateAllCommand("env", pkgs("python=3.9"), true), "conda update --all -y --name env python=3.9"},
		{"remove", CondaRemoveCommand("env", pkgs("numpy"), false), "conda remove --name env numpy"},
		{"channels", FormatChannels([]string{"a", "b"}), "--channel a --channel b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}

func TestPipCommands(t *testing.T) {
	if got := PipInstallCommand(pkgs("requests"), nil); got != "pip install requests --index-url https://pypi.org/simple" {
		t.Errorf("Unexpected default index command: %s", got)
	}
	got := PipInstallCommand(pkgs("requests", "flask"), []string{"https://a/", "https://b/"})
	if got != "pip install requests flask --index-url https://a/ --extra-index-url https://b/" {
		t.Errorf("Unexpected extra index command: %s", got)
	}
	if got := PipRemoveCommand(pkgs("requests==2.0"), true); got != "pip uninstall requests --yes" {
		t.Errorf("Unexpected uninstall command: %s", got)
	}
	if got := PipCustomInstallCommand("git+https://host/lib.git"); got != "pip install git+https://host/lib.git" {
		t.Errorf("Unexpected custom install command: %s", got)
	}
}

func TestRCommands(t *testing.T) {
	rPkgs := []packages.Package{
		{Name: "dplyr", Spec: `install.packages("dplyr")`},
		{Name: "ggplot2", Spec: `install.packages("ggplot2")`},
	}

	if got := RShellRemoveCommand(rPkgs); got != `R --quiet --vanilla -e "remove.packages(c(\"dplyr\",\"ggplot2\"))"` {
		t.Errorf("Unexpected remove command: %s", got)
	}
	if got := RShellInstallCommand(rPkgs); got != `R --quiet --vanilla -e "install.packages(\"dplyr\"); install.packages(\"ggplot2\")"` {
		t.Errorf("Unexpected install command: %s", got)
	}
	if got := WrapRCommand("library(x)"); got != `R --quiet --vanilla -e "library(x)"` {
		t.Errorf("Unexpected wrapped command: %s", got)
	}
	if got := escapeR(`a(\"x\", "y")`); got != `"a(\"x\", \"y\")"` {
		t.Errorf("Expected escaped quotes left alone, got %s", got)
	}
	if got := ExportInstallR(rPkgs); got != "install.packages(\"dplyr\")\ninstall.packages(\"ggplot2\")" {
		t.Errorf("Unexpected install.R: %q", got)
	}
}

func TestPinnedSpecs(t *testing.T) {
	deps := packages.Dependencies{}
	deps.Set(packages.Conda, packages.Package{Name: "numpy", Spec: "numpy", Version: "1.21.2", Build: "py39_0"})
	deps.Set(packages.Pip, packages.Package{Name: "requests", Spec: "requests", Version: "2.26.0"})

	conda := PinnedSpecs(pkgs("numpy>=1.20"), deps, packages.Conda)
	if conda[0].Spec != "numpy=1.21.2=py39_0" {
		t.Errorf("Expected conda pin with build, got %s", conda[0].Spec)
	}
	pip := PinnedSpecs(pkgs("requests"), deps, packages.Pip)
	if pip[0].Spec != "requests==2.26.0" {
		t.Errorf("Expected pip pin, got %s", pip[0].Spec)
	}
}

func TestParseCondaList(t *testing.T) {
	output := `# packages in environment at /opt/conda/envs/env:
#
# Name                    Version                   Build  Channel
numpy                     1.21.2           py39h20f2e39_0
python                    3.9.7                h12debd9_1
requests                  2.26.0                   pypi_0    pypi
six                       1.16.0                   pip
`
	deps := ParseCondaList(output)
	numpy, ok := deps.Get(packages.Conda, "numpy")
	if !ok || numpy.Version != "1.21.2" || numpy.Build != "py39h20f2e39_0" {
		t.Errorf("Unexpected numpy: %+v", numpy)
	}
	if !deps.Has(packages.Pip, "requests") || !deps.Has(packages.Pip, "six") {
		t.Error("Expected pip packages to be detected")
	}
	if deps.Has(packages.Conda, "requests") {
		t.Error("Expected pip package not to be listed under conda")
	}
}

func TestParsers(t *testing.T) {
	r := ParseRPackages("> print(x)\n Package Version\n   dplyr   1.0.7\n ggplot2   3.3.5\n")
	if len(r) != 2 || r["dplyr"].Version != "1.0.7" {
		t.Errorf("Unexpected R packages: %+v", r)
	}

	if got := ParseCondaVersion("conda 4.10.3\n"); got != "4.10.3" {
		t.Errorf("Expected 4.10.3, got %s", got)
	}

	envs := ParseEnvList("# conda environments:\n#\nbase  *  /opt/conda\nmyenv    /opt/conda/envs/myenv\n")
	if len(envs) != 2 || envs[1] != "myenv" {
		t.Errorf("Unexpected envs: %v", envs)
	}

	channels := ParseChannels("--add channels 'defaults'   # lowest priority\n--add channels 'conda-forge'   # highest priority\n")
	if len(channels) != 2 || channels[0] != "conda-forge" {
		t.Errorf("Expected conda-forge first, got %v", channels)
	}
}

func TestGatewayInstall(t *testing.T) {
	t.Setenv("CONDA_EXE", "/opt/conda/bin/conda")
	t.Setenv("CONDA_DEFAULT_ENV", "base")

	runner := &scriptedRunner{}
	g := New(runner)
	ctx := context.Background()

	line, err := g.Install(ctx, "env", packages.Conda, pkgs("pandas"), Options{Yes: true, ChannelCommand: "--override-channels --channel defaults"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if line != "conda install -y --name env pandas" {
		t.Errorf("Unexpected returned command: %s", line)
	}
	if runner.lines[0] != "conda install -y --name env pandas --override-channels --channel defaults" {
		t.Errorf("Unexpected executed command: %s", runner.lines[0])
	}
	if runner.calls[0].Interactive {
		t.Error("Expected -y installs not to need a terminal")
	}

	if _, err := g.Install(ctx, "env", packages.Pip, pkgs("requests"), Options{}); err != nil {
		t.Fatalf("Pip install failed: %v", err)
	}
	want := "source /opt/conda/etc/profile.d/conda.sh && conda activate env && pip install requests --index-url https://pypi.org/simple"
	if runner.lines[1] != want {
		t.Errorf("Expected %q, got %q", want, runner.lines[1])
	}
}

func TestGatewayDeclined(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"conda remove": "Proceed ([y]/n)? n\n"}}
	g := New(runner)

	_, err := g.Remove(context.Background(), "env", packages.Conda, pkgs("numpy"), Options{})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("Expected ErrDeclined, got %v", err)
	}
	if !errdefs.IsCanceled(err) {
		t.Error("Expected canceled category")
	}
}

func TestGatewayDependencies(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"conda list": "python 3.9.7 h12debd9_1\n",
	}}
	g := New(runner)

	deps, err := g.Dependencies(context.Background(), "env", false)
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if !deps.Has(packages.Conda, "python") {
		t.Error("Expected python in dependencies")
	}
	if runner.lines[0] != "conda list --name env" {
		t.Errorf("Unexpected command: %s", runner.lines[0])
	}
}
