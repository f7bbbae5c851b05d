package pool

import (
	"bytes"
	"sort"
	"strings"
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
)

const samplePrimary = `<?xml version="1.0"?>
<metadata packages="2">
<package type="rpm">
  <name>foo</name>
  <arch>x86_64</arch>
  <version epoch="0" ver="1.2" rel="3"/>
  <checksum type="sha256" pkgid="YES">deadbeef</checksum>
  <summary>the foo package</summary>
  <time file="100" build="100"/>
  <size package="1000" installed="2000" archive="3000"/>
  <location href="foo-1.2-3.x86_64.rpm"/>
  <format>
    <rpm:provides xmlns:rpm="http://linux.duke.edu/metadata/rpm">
      <rpm:entry name="foo" flags="EQ" epoch="0" ver="1.2" rel="3"/>
      <rpm:entry name="libfoo.so.1"/>
    </rpm:provides>
    <rpm:requires xmlns:rpm="http://linux.duke.edu/metadata/rpm">
      <rpm:entry name="bar" flags="GE" epoch="0" ver="1.0" rel="1"/>
    </rpm:requires>
    <file>/usr/bin/foo</file>
  </format>
</package>
<package type="rpm">
  <name>bar</name>
  <arch>x86_64</arch>
  <version epoch="0" ver="2.0" rel="1"/>
  <location href="bar-2.0-1.x86_64.rpm"/>
  <format/>
</package>
</metadata>`

func TestAddRepoAndQueryByName(t *testing.T) {
	p := New()
	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}

	got := p.Query(Filter{Name: "foo"})
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	if got[0].Summary != "the foo package" {
		t.Fatalf("unexpected summary: %q", got[0].Summary)
	}
	if len(got[0].Requires) != 1 || got[0].Requires[0].Name != "bar" {
		t.Fatalf("unexpected requires: %+v", got[0].Requires)
	}
}

func TestQueryByProvides(t *testing.T) {
	p := New()
	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}
	got := p.Query(Filter{Provides: "libfoo.so.1"})
	if len(got) != 1 || got[0].Name != "foo" {
		t.Fatalf("expected libfoo.so.1 to resolve to foo, got %+v", got)
	}
}

func TestQueryByFile(t *testing.T) {
	p := New()
	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}
	got := p.Query(Filter{File: "/usr/bin/foo"})
	if len(got) != 1 || got[0].Name != "foo" {
		t.Fatalf("expected /usr/bin/foo to resolve to foo, got %+v", got)
	}
}

func TestExcludesNeverApplyToInstalled(t *testing.T) {
	p := New()
	p.AddInstalled([]tdnf.Package{{NEVRA: tdnf.NEVRA{Name: "foo", Epoch: "0", Version: "1", Release: "1", Arch: "x86_64"}}})
	p.ApplyExcludes([]string{"foo"})

	installed := p.Query(Filter{Name: "foo", Scope: ScopeInstalled})
	if len(installed) != 1 {
		t.Fatal("excludes must not hide the installed package")
	}

	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}
	available := p.Query(Filter{Name: "foo", Scope: ScopeAvailable})
	if len(available) != 0 {
		t.Fatal("excludes must hide the available package")
	}
}

func TestUpgradesAndDowngradesScope(t *testing.T) {
	p := New()
	p.AddInstalled([]tdnf.Package{{NEVRA: tdnf.NEVRA{Name: "bar", Epoch: "0", Version: "1", Release: "5", Arch: "x86_64"}}})
	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}

	// installed bar is 1-5, available bar is 2.0-1: an upgrade.
	up := p.Query(Filter{Name: "bar", Scope: ScopeUpgrades})
	if len(up) != 1 {
		t.Fatalf("expected bar 2.0-1 to be an upgrade, got %+v", up)
	}
	down := p.Query(Filter{Name: "bar", Scope: ScopeDowngrades})
	if len(down) != 0 {
		t.Fatalf("expected no downgrades, got %+v", down)
	}
}

func TestArchCompatibility(t *testing.T) {
	p := New()
	p.SetArch("x86_64")
	p.AddInstalled([]tdnf.Package{
		{NEVRA: tdnf.NEVRA{Name: "noarch-pkg", Epoch: "0", Version: "1", Release: "1", Arch: "noarch"}},
		{NEVRA: tdnf.NEVRA{Name: "foreign-pkg", Epoch: "0", Version: "1", Release: "1", Arch: "aarch64"}},
	})
	if got := p.Query(Filter{Name: "noarch-pkg"}); len(got) != 1 {
		t.Fatal("noarch should always be compatible")
	}
	if got := p.Query(Filter{Name: "foreign-pkg"}); len(got) != 0 {
		t.Fatal("mismatched arch should be filtered out")
	}
}

func TestAddCmdline(t *testing.T) {
	p := New()
	n, err := p.AddCmdline("/tmp/foo-1.2-3.x86_64.rpm")
	if err != nil {
		t.Fatal(err)
	}
	if n.Name != "foo" || n.Version != "1.2" || n.Release != "3" || n.Arch != "x86_64" {
		t.Fatalf("unexpected NEVRA from filename: %+v", n)
	}
	got := p.Query(Filter{Name: "foo", RepoID: tdnf.RepoCmdline})
	if len(got) != 1 {
		t.Fatal("expected the cmdline package to be queryable")
	}
}

// TestSolvCacheRoundTrip exercises the round-trip property spec.md
// requires of the solv cache: load a repo's XML, write the cache, clear
// the pool, load from the cache, and compare NEVRAs and Requires lists.
func TestSolvCacheRoundTrip(t *testing.T) {
	original := New()
	if err := original.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}

	cookie := [CookieSize]byte{1, 2, 3}
	var buf bytes.Buffer
	if err := original.EncodeRepo("test-repo", cookie, &buf); err != nil {
		t.Fatalf("EncodeRepo: %v", err)
	}

	reloaded := New()
	fresh, err := reloaded.DecodeRepo("test-repo", bytes.NewReader(buf.Bytes()), cookie)
	if err != nil {
		t.Fatalf("DecodeRepo: %v", err)
	}
	if !fresh {
		t.Fatal("expected a matching cookie to report the cache as fresh")
	}

	want := original.Query(Filter{RepoID: "test-repo"})
	got := reloaded.Query(Filter{RepoID: "test-repo"})
	sortByNEVRA(want)
	sortByNEVRA(got)
	if len(want) != len(got) {
		t.Fatalf("pointwise mismatch: %d packages before, %d after", len(want), len(got))
	}
	for i := range want {
		if want[i].NEVRA.String() != got[i].NEVRA.String() {
			t.Fatalf("NEVRA mismatch at %d: %s != %s", i, want[i].NEVRA, got[i].NEVRA)
		}
		if len(want[i].Requires) != len(got[i].Requires) {
			t.Fatalf("Requires mismatch for %s: %+v != %+v", want[i].Name, want[i].Requires, got[i].Requires)
		}
		for j := range want[i].Requires {
			if want[i].Requires[j] != got[i].Requires[j] {
				t.Fatalf("Requires[%d] mismatch for %s: %+v != %+v", j, want[i].Name, want[i].Requires[j], got[i].Requires[j])
			}
		}
	}
}

func TestSolvCacheCookieMismatchIsStale(t *testing.T) {
	p := New()
	if err := p.AddRepo("test-repo", strings.NewReader(samplePrimary)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := p.EncodeRepo("test-repo", [CookieSize]byte{9}, &buf); err != nil {
		t.Fatal(err)
	}

	reloaded := New()
	fresh, err := reloaded.DecodeRepo("test-repo", bytes.NewReader(buf.Bytes()), [CookieSize]byte{8})
	if err != nil {
		t.Fatalf("DecodeRepo: %v", err)
	}
	if fresh {
		t.Fatal("expected a cookie mismatch to report the cache as stale")
	}
	if got := reloaded.Query(Filter{RepoID: "test-repo"}); len(got) != 0 {
		t.Fatalf("a stale cache must not add anything to the pool, got %+v", got)
	}
}

func sortByNEVRA(pkgs []tdnf.Package) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].NEVRA.String() < pkgs[j].NEVRA.String() })
}
