package history

import (
	"testing"

	"envtracker/internal/packages"
)

func TestComputeDiff(t *testing.T) {
	current := NewPackageRevision().With(packages.Conda,
		packages.Package{Name: "python", Spec: "python", Version: "3.8"},
		packages.Package{Name: "numpy", Spec: "numpy", Version: "1.20"},
		packages.Package{Name: "six", Spec: "six", Version: "1.16"},
	)
	live := deps(packages.Conda,
		packages.Package{Name: "python", Version: "3.9", Build: "h1"},
		packages.Package{Name: "numpy", Version: "1.20"},
		packages.Package{Name: "pandas", Version: "1.3.3"},
	)

	t.Run("removed and changed", func(t *testing.T) {
		d := ComputeDiff(live, current, nil, packages.Conda)
		c := d[packages.Conda]
		if _, ok := c.Remove["six"]; !ok {
			t.Error("Expected six to be removed")
		}
		if got := c.Upsert["python"].Version; got != "3.9" {
			t.Errorf("Expected python upserted at 3.9, got %q", got)
		}
		if _, ok := c.Upsert["numpy"]; ok {
			t.Error("Expected unchanged numpy to be absent")
		}
	})

	t.Run("explicit upsert wins", func(t *testing.T) {
		d := ComputeDiff(live, current, []packages.Package{packages.FromSpec("pandas>=1")}, packages.Conda)
		p := d[packages.Conda].Upsert["pandas"]
		if p.Version != "1.3.3" || p.Spec != "pandas>=1" {
			t.Errorf("Unexpected upsert: %+v", p)
		}
	})

	t.Run("no change omits source", func(t *testing.T) {
		same := NewPackageRevision().With(packages.Conda, packages.Package{Name: "numpy", Spec: "numpy", Version: "1.20"})
		d := ComputeDiff(live, same, nil, packages.Conda)
		if len(d) != 0 {
			t.Errorf("Expected empty diff, got %v", d.Export())
		}
	})
}

func TestDiffExport(t *testing.T) {
	d := Diff{
		packages.Conda: {
			Upsert: map[string]packages.Package{"python": {Name: "python", Spec: "python", Version: "3.9", Build: "h1"}},
			Remove: map[string]packages.Package{"six": packages.New("six")},
		},
		packages.Pip: {
			Upsert: map[string]packages.Package{"requests": {Name: "requests", Spec: "requests", Version: "2.26.0"}},
		},
		packages.R: {
			Upsert: map[string]packages.Package{"dplyr": {Name: "dplyr", Spec: `install.packages("dplyr")`}},
		},
	}

	out := d.Export()
	if got := out["conda"]["upsert"]; len(got) != 1 || got[0] != "python=3.9" {
		t.Errorf("Expected build-free conda pin, got %v", got)
	}
	if got := out["conda"]["remove"]; len(got) != 1 || got[0] != "six" {
		t.Errorf("Expected six removal, got %v", got)
	}
	if got := out["pip"]["upsert"]; len(got) != 1 || got[0] != "requests==2.26.0" {
		t.Errorf("Expected pip pin, got %v", got)
	}
	if got := out["r"]["upsert"]; len(got) != 1 || got[0] != "dplyr" {
		t.Errorf("Expected bare R name, got %v", got)
	}

	parsed := ParseDiff(out)
	if !parsed.Equal(d) {
		t.Errorf("Expected parsed diff to equal original: %v vs %v", parsed.Export(), out)
	}
	if parsed[packages.Pip].Upsert["requests"].Version != "2.26.0" {
		t.Error("Expected version to survive parsing")
	}
}

func TestDiffNames(t *testing.T) {
	d := Diff{packages.Conda: {
		Upsert: map[string]packages.Package{"b": packages.New("b")},
		Remove: map[string]packages.Package{"a": packages.New("a")},
	}}
	names := d.Names(packages.Conda)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Expected [a b], got %v", names)
	}
	if d.Names(packages.Pip) != nil {
		t.Error("Expected no names for untouched source")
	}
}
