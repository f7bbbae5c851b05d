package transaction

import (
	"context"
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
)

func pkg(name, ver, rel, arch string) tdnf.Package {
	return tdnf.Package{NEVRA: tdnf.NEVRA{Name: name, Epoch: "0", Version: ver, Release: rel, Arch: arch}}
}

func installed(pk tdnf.Package) tdnf.Package {
	pk.RepoID = tdnf.RepoInstalled
	return pk
}

func TestClassifyFreshInstall(t *testing.T) {
	a := pkg("a", "1", "1", "x86_64")
	b := pkg("b", "1", "1", "x86_64")
	tx := tdnf.Transaction{Steps: []tdnf.Step{
		{Action: tdnf.StepInstall, Target: b},
		{Action: tdnf.StepInstall, Target: a},
	}}
	plan := Classify(context.Background(), nil, tx, Options{})
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	for _, s := range plan.Steps {
		if s.Category != tdnf.CategoryInstall {
			t.Fatalf("expected Install, got %v for %s", s.Category, s.Step.Target.NEVRA)
		}
	}
}

func TestClassifyUpgradeWithObsolete(t *testing.T) {
	foo := installed(pkg("foo", "1", "1", "x86_64"))
	bar := pkg("bar", "2", "1", "x86_64")
	bar.Obsoletes = []tdnf.Dependency{{Name: "foo", Relation: tdnf.RelLT, EVR: tdnf.NEVRA{Epoch: "0", Version: "2", Release: "0"}}}

	tx := tdnf.Transaction{Steps: []tdnf.Step{
		{Action: tdnf.StepErase, Target: foo},
		{Action: tdnf.StepInstall, Target: bar},
	}}
	plan := Classify(context.Background(), []tdnf.Package{foo}, tx, Options{})

	var gotObsoleted, gotInstall bool
	for _, s := range plan.Steps {
		switch s.Category {
		case tdnf.CategoryObsoleted:
			gotObsoleted = true
			if s.Step.Target.Name != "foo" {
				t.Fatalf("expected foo obsoleted, got %s", s.Step.Target.Name)
			}
		case tdnf.CategoryInstall:
			gotInstall = true
		}
	}
	if !gotObsoleted || !gotInstall {
		t.Fatalf("expected obsoleted foo + install bar, got %+v", plan.Steps)
	}
}

func TestClassifyReinstallAndUpgrade(t *testing.T) {
	same := installed(pkg("a", "1", "1", "x86_64"))
	older := installed(pkg("b", "1", "1", "x86_64"))

	tx := tdnf.Transaction{Steps: []tdnf.Step{
		{Action: tdnf.StepInstall, Target: pkg("a", "1", "1", "x86_64")},
		{Action: tdnf.StepInstall, Target: pkg("b", "2", "1", "x86_64")},
	}}
	plan := Classify(context.Background(), []tdnf.Package{same, older}, tx, Options{})

	want := map[string]tdnf.Category{"a": tdnf.CategoryReinstall, "b": tdnf.CategoryUpgrade}
	for _, s := range plan.Steps {
		if s.Category != want[s.Step.Target.Name] {
			t.Fatalf("%s: expected %v, got %v", s.Step.Target.Name, want[s.Step.Target.Name], s.Category)
		}
		if s.Replaces == nil {
			t.Fatalf("%s: expected Replaces to be set", s.Step.Target.Name)
		}
	}
}

func TestClassifyDowngrade(t *testing.T) {
	prior := installed(pkg("a", "2", "1", "x86_64"))
	tx := tdnf.Transaction{Steps: []tdnf.Step{
		{Action: tdnf.StepInstall, Target: pkg("a", "1", "1", "x86_64")},
	}}
	plan := Classify(context.Background(), []tdnf.Package{prior}, tx, Options{UserRequestedDowngrade: map[string]bool{"a": true}})
	if len(plan.Steps) != 1 || plan.Steps[0].Category != tdnf.CategoryDowngrade {
		t.Fatalf("expected Downgrade, got %+v", plan.Steps)
	}
}

func TestComputeUnneeded(t *testing.T) {
	a := installed(pkg("a", "1", "1", "x86_64"))
	b := installed(pkg("b", "1", "1", "x86_64"))
	auto := map[string]bool{"b": true}

	got := ComputeUnneeded([]tdnf.Package{a, b}, func(name string) bool { return auto[name] })
	if len(got) != 1 || got[0].Step.Target.Name != "b" || got[0].Category != tdnf.CategoryUnneeded {
		t.Fatalf("expected b unneeded, got %+v", got)
	}
}

func TestComputeUnneededStillRequired(t *testing.T) {
	a := installed(pkg("a", "1", "1", "x86_64"))
	a.Requires = []tdnf.Dependency{{Name: "b"}}
	b := installed(pkg("b", "1", "1", "x86_64"))
	auto := map[string]bool{"b": true}

	got := ComputeUnneeded([]tdnf.Package{a, b}, func(name string) bool { return auto[name] })
	if len(got) != 0 {
		t.Fatalf("expected no unneeded packages (b still required by a), got %+v", got)
	}
}
