package history

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"envtracker/internal/packages"
)

func deps(source packages.Source, pkgs ...packages.Package) packages.Dependencies {
	d := packages.Dependencies{}
	for _, p := range pkgs {
		d.Set(source, p)
	}
	return d
}

func resolvedPkg(name, version string) packages.Package {
	return packages.Package{Name: name, Spec: name, Version: version, Build: "build0"}
}

func testDebug() Debug {
	return NewDebug("4.10.3", "21.2", time.Date(2021, 10, 1, 12, 0, 0, 0, time.UTC))
}

func TestCreateAndAppend(t *testing.T) {
	live := deps(packages.Conda, resolvedPkg("python", "3.9.7"), resolvedPkg("openssl", "1.1.1"))
	h := Create("myenv", Channels{"conda-forge"}, live,
		[]packages.Package{packages.New("python")}, packages.Conda,
		"conda create --name myenv python", "conda create --name myenv python=3.9.7=build0",
		Operation{Kind: OpCreate, Source: packages.Conda, Specs: []string{"python"}}, testDebug())

	if h.ID == "" {
		t.Fatal("Expected lineage id to be set")
	}
	if h.Revisions.Len() != 1 {
		t.Fatalf("Expected 1 revision, got %d", h.Revisions.Len())
	}
	first := h.Revisions.At(0)
	if got := first.Diff[packages.Conda].Upsert["python"].Version; got != "3.9.7" {
		t.Errorf("Expected python 3.9.7 upserted, got %q", got)
	}

	live.Set(packages.Conda, resolvedPkg("numpy", "1.21.2"))
	h.UpdatePackages(live, []packages.Package{packages.FromSpec("numpy>=1.20")}, packages.Conda)
	h.Append("conda install --name myenv numpy>=1.20", "conda install --name myenv numpy=1.21.2=build0",
		Operation{Kind: OpInstall, Source: packages.Conda, Specs: []string{"numpy>=1.20"}}, testDebug())

	if h.Revisions.Len() != 2 {
		t.Fatalf("Expected 2 revisions, got %d", h.Revisions.Len())
	}
	if len(h.Logs()) != len(h.Actions()) {
		t.Error("Expected logs and actions to have equal length")
	}
	if first.Packages.Has(packages.Conda, "numpy") {
		t.Error("Expected earlier snapshot to be unaffected by later installs")
	}
	second := h.Revisions.At(1)
	if !second.Packages.Has(packages.Conda, "numpy") {
		t.Error("Expected numpy in second snapshot")
	}
	if _, ok := second.Diff[packages.Conda].Upsert["python"]; ok {
		t.Error("Expected unchanged python to stay out of the diff")
	}
}

func TestRemovePackages(t *testing.T) {
	live := deps(packages.Conda, resolvedPkg("python", "3.9"), resolvedPkg("numpy", "1.21"))
	h := Create("env", nil, live, []packages.Package{packages.New("python"), packages.New("numpy")},
		packages.Conda, "conda create --name env python numpy", "conda create --name env python numpy",
		Operation{Kind: OpCreate, Source: packages.Conda}, testDebug())

	after := deps(packages.Conda, resolvedPkg("python", "3.9"))
	h.RemovePackages([]packages.Package{packages.New("numpy")}, after, packages.Conda)
	h.Append("conda remove --name env numpy", "conda remove --name env numpy",
		Operation{Kind: OpRemove, Source: packages.Conda, Specs: []string{"numpy"}}, testDebug())

	if h.Packages.Has(packages.Conda, "numpy") {
		t.Error("Expected numpy to be untracked")
	}
	last, _ := h.Revisions.Last()
	if _, ok := last.Diff[packages.Conda].Remove["numpy"]; !ok {
		t.Error("Expected numpy in the removal diff")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	h := Create("env", Channels{"defaults"}, deps(packages.Conda, resolvedPkg("python", "3.9")),
		[]packages.Package{packages.New("python")}, packages.Conda, "conda create --name env python",
		"conda create --name env python", Operation{Kind: OpCreate, Source: packages.Conda}, testDebug())

	c := h.Clone()
	c.Append("pip install requests", "pip install requests==2.26.0", Operation{Kind: OpInstall, Source: packages.Pip}, testDebug())
	c.Channels = c.Channels.Append("bioconda")

	if h.Revisions.Len() != 1 {
		t.Errorf("Expected original to keep 1 revision, got %d", h.Revisions.Len())
	}
	if len(h.Channels) != 1 {
		t.Errorf("Expected original channels untouched, got %v", h.Channels)
	}
}

func TestCloneKeepsPendingChangesApart(t *testing.T) {
	live := deps(packages.Conda, resolvedPkg("python", "3.9"), resolvedPkg("numpy", "1.21"))
	h := Create("env", Channels{"defaults"}, live,
		[]packages.Package{packages.New("python")}, packages.Conda, "conda create --name env python",
		"conda create --name env python", Operation{Kind: OpCreate, Source: packages.Conda}, testDebug())
	h.UpdatePackages(live, []packages.Package{packages.New("numpy")}, packages.Conda)

	c := h.Clone()
	c.pending[packages.Conda].Upsert["scipy"] = resolvedPkg("scipy", "1.7")
	delete(c.pending[packages.Conda].Upsert, "numpy")

	h.Append("conda install --name env numpy", "conda install --name env numpy=1.21", Operation{Kind: OpInstall, Source: packages.Conda}, testDebug())
	last, _ := h.Revisions.Last()
	upsert := last.Diff[packages.Conda].Upsert
	if _, ok := upsert["numpy"]; !ok {
		t.Error("Expected numpy in the original's diff")
	}
	if _, ok := upsert["scipy"]; ok {
		t.Error("Expected the clone's edit to stay out of the original's diff")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	live := deps(packages.Conda, resolvedPkg("python", "3.9"))
	live.Set(packages.Pip, packages.Package{Name: "requests", Spec: "requests", Version: "2.26.0"})
	h := Create("env", Channels{"conda-forge", "defaults"}, live,
		[]packages.Package{packages.FromSpec("python=3.9")}, packages.Conda,
		"conda create --name env python=3.9", "conda create --name env python=3.9=build0",
		Operation{Kind: OpCreate, Source: packages.Conda, Specs: []string{"python=3.9"}, Channels: []string{"conda-forge"}, StrictChannelPriority: true}, testDebug())
	h.UpdatePackages(live, []packages.Package{packages.New("requests")}, packages.Pip)
	h.Append("pip install requests --index-url https://pypi.org/simple/",
		"pip install requests==2.26.0 --index-url https://pypi.org/simple/",
		Operation{Kind: OpInstall, Source: packages.Pip, Specs: []string{"requests"}, IndexURLs: []string{"https://pypi.org/simple/"}},
		testDebug())

	data, err := Marshal(h)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "history-file-version: \"1.0\"") {
		t.Errorf("Expected file version in output:\n%s", data)
	}
	if !strings.Contains(string(data), "python: python=3.9") {
		t.Errorf("Expected constrained spec in output:\n%s", data)
	}
	if !strings.Contains(string(data), "requests: '*'") {
		t.Errorf("Expected wildcard for unconstrained spec:\n%s", data)
	}
	if !strings.Contains(string(data), "strict-channel-priority: true") {
		t.Errorf("Expected the operation's channel priority in output:\n%s", data)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(h.Export(), parsed.Export()); diff != "" {
		t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
	}
	if !h.Equal(parsed) {
		t.Error("Expected parsed history to equal the original")
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not yaml", "name: [unterminated"},
		{"missing id", "name: env\nrevisions:\n  - log: a\n    action: a\n"},
		{"no revisions", "name: env\nid: abc\n"},
		{"revision without action", "name: env\nid: abc\nrevisions:\n  - log: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Unmarshal([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected parse error")
			}
			if !IsParseError(err) {
				t.Errorf("Expected ParseError, got %T", err)
			}
			if h != nil {
				t.Error("Expected no partially parsed history")
			}
		})
	}
}

func TestUnmarshalDerivesOperation(t *testing.T) {
	data := `name: env
id: 3f2a
history-file-version: "1.0"
channels:
  - defaults
packages:
  conda:
    pandas: '*'
revisions:
  - packages:
      conda:
        pandas: '*'
    diff:
      conda:
        upsert:
          - pandas=1.3.3
        remove: []
    log: conda install --name env pandas --override-channels --channel defaults
    action: conda install --name env pandas=1.3.3=py39_0 --override-channels --channel defaults
    debug:
      platform: linux
      conda_version: 4.10.3
      timestamp: "2021-10-01 12:00:00.000000"
`
	h, err := Unmarshal([]byte(data))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	op := h.Revisions.At(0).Operation
	want := Operation{Kind: OpInstall, Source: packages.Conda, Specs: []string{"pandas"}, Channels: []string{"defaults"}}
	if !op.Equal(want) {
		t.Errorf("Expected %+v, got %+v", want, op)
	}
	if got := h.Revisions.At(0).Diff[packages.Conda].Upsert["pandas"].Version; got != "1.3.3" {
		t.Errorf("Expected pandas 1.3.3 in diff, got %q", got)
	}
}

func TestRoundTripProperty(t *testing.T) {
	names := []string{"python", "numpy", "pandas", "pytest", "requests", "scipy"}
	versions := []string{"", "1.0", "2.1.3", "3.9.7"}

	rapid.Check(t, func(t *rapid.T) {
		h := New(rapid.StringMatching(`[a-z][a-z0-9_-]{0,12}`).Draw(t, "name"), Channels(rapid.SliceOfNDistinct(
			rapid.SampledFrom([]string{"defaults", "conda-forge", "bioconda"}), 0, 3, rapid.ID[string]).Draw(t, "channels")))

		steps := rapid.IntRange(1, 6).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			source := rapid.SampledFrom([]packages.Source{packages.Conda, packages.Pip}).Draw(t, "source")
			live := packages.Dependencies{}
			var requested []packages.Package
			for _, name := range rapid.SliceOfNDistinct(rapid.SampledFrom(names), 1, 4, rapid.ID[string]).Draw(t, "names") {
				version := rapid.SampledFrom(versions).Draw(t, "version")
				live.Set(source, packages.Package{Name: name, Spec: name, Version: version})
				if rapid.Bool().Draw(t, "constrained") && version != "" {
					requested = append(requested, packages.FromSpec(name+">="+version))
				} else {
					requested = append(requested, packages.New(name))
				}
			}
			h.UpdatePackages(live, requested, source)
			log := string(source) + " install " + strings.Join(packages.Specs(requested), " ")
			op := Operation{Kind: OpInstall, Source: source, Specs: packages.Specs(requested)}
			h.Append(log, log+" --pinned", op, testDebug())
		}

		data, err := Marshal(h)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		parsed, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if !h.Equal(parsed) {
			t.Fatalf("Round trip mismatch:\n%s", cmp.Diff(h.Export(), parsed.Export()))
		}
	})
}
