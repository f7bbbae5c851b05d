package solver

import (
	"context"
	"strings"
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/pool"
	"github.com/opentdnf/tdnf-go/repo"
)

const abRepo = `<?xml version="1.0"?>
<metadata packages="2">
<package type="rpm">
  <name>a</name>
  <arch>x86_64</arch>
  <version epoch="0" ver="1" rel="1"/>
  <location href="a-1-1.x86_64.rpm"/>
  <format>
    <rpm:requires xmlns:rpm="http://linux.duke.edu/metadata/rpm">
      <rpm:entry name="b"/>
    </rpm:requires>
  </format>
</package>
<package type="rpm">
  <name>b</name>
  <arch>x86_64</arch>
  <version epoch="0" ver="1" rel="1"/>
  <location href="b-1-1.x86_64.rpm"/>
  <format/>
</package>
</metadata>`

func newTestSolver(t *testing.T, xml string) (*Solver, *pool.Pool) {
	t.Helper()
	p := pool.New()
	if err := p.AddRepo("base", strings.NewReader(xml)); err != nil {
		t.Fatal(err)
	}
	set, err := repo.NewSet([]*repo.Config{{ID: "base", BaseURLs: []string{"http://example/base"}, Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	return New(p, set, nil), p
}

// Scenario 1 (spec.md §8): installed set empty, repo provides a-1-1
// requiring b-1-1 and b-1-1 itself; "install a" must pull in b.
func TestResolveFreshInstallPullsInDependency(t *testing.T) {
	s, _ := newTestSolver(t, abRepo)
	tx, err := s.Resolve(context.Background(), tdnf.ResolveRequest{
		Jobs: []tdnf.Job{{Selector: "a", Action: tdnf.ActionInstall}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var names []string
	for _, step := range tx.Steps {
		if step.Action != tdnf.StepInstall {
			t.Fatalf("unexpected erase step: %+v", step)
		}
		names = append(names, step.Target.Name)
	}
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("expected [b a] install order (dependency before dependent), got %v", names)
	}
}

func TestResolveInstallNoMatch(t *testing.T) {
	s, _ := newTestSolver(t, abRepo)
	_, err := s.Resolve(context.Background(), tdnf.ResolveRequest{
		Jobs: []tdnf.Job{{Selector: "nonexistent", Action: tdnf.ActionInstall}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	var e *tdnf.Error
	if ok := asError(err, &e); !ok || e.Inner != tdnf.ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestResolveEraseProtectedFails(t *testing.T) {
	p := pool.New()
	if err := p.AddRepo("base", strings.NewReader(abRepo)); err != nil {
		t.Fatal(err)
	}
	p.AddInstalled([]tdnf.Package{{NEVRA: tdnf.NEVRA{Name: "a", Epoch: "0", Version: "1", Release: "1", Arch: "x86_64"}}})
	set, err := repo.NewSet([]*repo.Config{{ID: "base", BaseURLs: []string{"http://example/base"}, Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	s := New(p, set, []string{"a"})

	_, err = s.Resolve(context.Background(), tdnf.ResolveRequest{
		Jobs: []tdnf.Job{{Selector: "a", Action: tdnf.ActionErase}},
	})
	var e *tdnf.Error
	if ok := asError(err, &e); !ok || e.Inner != tdnf.ErrProtected {
		t.Fatalf("expected ErrProtected, got %v", err)
	}
}

func asError(err error, target **tdnf.Error) bool {
	e, ok := err.(*tdnf.Error)
	if ok {
		*target = e
	}
	return ok
}
