package config

import (
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
)

func TestNewMainDefaults(t *testing.T) {
	m, err := NewMain(RawConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if m.CacheDir != DefaultCacheDir {
		t.Errorf("CacheDir = %q, want %q", m.CacheDir, DefaultCacheDir)
	}
	if len(m.ReposDir) != 1 || m.ReposDir[0] != DefaultReposDir {
		t.Errorf("ReposDir = %v, want [%q]", m.ReposDir, DefaultReposDir)
	}
	if !m.GPGCheck {
		t.Error("GPGCheck should default to true")
	}
	if m.InstallOnlyLimit != DefaultInstallOnlyLimit {
		t.Errorf("InstallOnlyLimit = %d, want %d", m.InstallOnlyLimit, DefaultInstallOnlyLimit)
	}
	if len(m.InstallOnlyPkgs) != len(DefaultInstallOnlyPkgs) {
		t.Errorf("InstallOnlyPkgs = %v", m.InstallOnlyPkgs)
	}
}

func TestNewMainParsesOverrides(t *testing.T) {
	raw := RawConfig{Main: map[string]string{
		"cachedir":                     "/srv/cache",
		"gpgcheck":                     "0",
		"installonly_limit":            "5",
		"clean_requirements_on_remove": "0",
		"protected_packages":           "tdnf, glibc,  bash",
		"minversions":                  "glibc=2.28-1, openssl=1.1.1-1",
	}}
	m, err := NewMain(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.CacheDir != "/srv/cache" {
		t.Errorf("CacheDir = %q", m.CacheDir)
	}
	if m.GPGCheck {
		t.Error("GPGCheck should be false")
	}
	if m.InstallOnlyLimit != 5 {
		t.Errorf("InstallOnlyLimit = %d", m.InstallOnlyLimit)
	}
	if m.CleanRequirementsOnRemove {
		t.Error("CleanRequirementsOnRemove should be false")
	}
	want := []string{"tdnf", "glibc", "bash"}
	if len(m.ProtectedPackages) != len(want) {
		t.Fatalf("ProtectedPackages = %v", m.ProtectedPackages)
	}
	for i, w := range want {
		if m.ProtectedPackages[i] != w {
			t.Errorf("ProtectedPackages[%d] = %q, want %q", i, m.ProtectedPackages[i], w)
		}
	}
	if m.MinVersions["glibc"] != "2.28-1" || m.MinVersions["openssl"] != "1.1.1-1" {
		t.Errorf("MinVersions = %v", m.MinVersions)
	}
}

func TestNewMainRejectsBadInstallOnlyLimit(t *testing.T) {
	_, err := NewMain(RawConfig{Main: map[string]string{"installonly_limit": "not-a-number"}})
	var e *tdnf.Error
	if ok := asConfigError(err, &e); !ok || e.Kind != tdnf.ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestNewMainRejectsMalformedMinVersions(t *testing.T) {
	_, err := NewMain(RawConfig{Main: map[string]string{"minversions": "glibc-no-equals"}})
	var e *tdnf.Error
	if ok := asConfigError(err, &e); !ok || e.Kind != tdnf.ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

type prefixVars struct{ prefix string }

func (p prefixVars) Resolve(raw string) string {
	if raw == "" {
		return raw
	}
	return p.prefix + raw
}

func TestNewRepoSetAppliesVarsAndDefaults(t *testing.T) {
	main := &Main{GPGCheck: true, Proxy: "http://main-proxy"}
	raw := RawConfig{Repos: []RawRepo{
		{ID: "base", Keys: map[string]string{
			"name":    "Base",
			"baseurl": "http://example/$releasever/os",
			"gpgkey":  "http://example/key.asc",
			"enabled": "1",
		}},
	}}
	set, err := NewRepoSet(raw, main, prefixVars{prefix: "RESOLVED:"})
	if err != nil {
		t.Fatal(err)
	}
	c := set.Get("base")
	if c == nil {
		t.Fatal("expected repo 'base'")
	}
	if len(c.BaseURLs) != 1 || c.BaseURLs[0] != "RESOLVED:http://example/$releasever/os" {
		t.Errorf("BaseURLs = %v", c.BaseURLs)
	}
	if !c.GPGCheck {
		t.Error("GPGCheck should inherit main default of true")
	}
	if c.Proxy != "http://main-proxy" {
		t.Errorf("Proxy = %q, want inherited main proxy", c.Proxy)
	}
}

func TestNewRepoSetRejectsDuplicateID(t *testing.T) {
	main := &Main{}
	raw := RawConfig{Repos: []RawRepo{
		{ID: "base", Keys: map[string]string{"baseurl": "http://a"}},
		{ID: "base", Keys: map[string]string{"baseurl": "http://b"}},
	}}
	if _, err := NewRepoSet(raw, main, NoVars); err == nil {
		t.Fatal("expected an error for duplicate repo id")
	}
}

func asConfigError(err error, target **tdnf.Error) bool {
	e, ok := err.(*tdnf.Error)
	if ok {
		*target = e
	}
	return ok
}
