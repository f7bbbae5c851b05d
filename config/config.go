// Package config is the Config Loader (component A2): a typed, defaulted,
// validated view of a "[main]" section and a set of repo sections that an
// external ".conf"/".repo" INI parser has already read into a [RawConfig].
// Parsing the INI text itself, walking reposdir, and substituting
// $releasever/$basearch/user vars into the result are all out of scope
// here — see [RawConfig] and [VarsResolver].
package config

import (
	"strconv"
	"strings"
	"time"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/repo"
)

// RawConfig is the result of parsing a ".conf" file and every ".repo" file
// found under reposdir: one unnamed main section plus one named section
// per repository, each a flat string->string map exactly as written on
// disk (booleans still "0"/"1", lists still comma-separated, URLs not yet
// vars-substituted). This package never reads a file or walks a
// directory; producing a RawConfig from bytes is the injected parser's
// job.
type RawConfig struct {
	Main  map[string]string
	Repos []RawRepo
}

// RawRepo is one "[id]" section, in file order; order matters because
// repo.NewSet preserves it for the pool's configuration-order iteration.
type RawRepo struct {
	ID   string
	Keys map[string]string
}

// VarsResolver substitutes $releasever, $basearch, and any user-defined
// variable (one file per name, read from the main section's varsdir) into
// a raw config value such as a baseurl or gpgkey URL. Reading the vars
// directory and doing the textual substitution are both the external
// collaborator's job; this package only calls Resolve at the point a raw
// value is turned into a typed field.
type VarsResolver interface {
	Resolve(raw string) string
}

// noopResolver leaves values untouched, for callers that have no vars to
// substitute (tests, or a conf file that names none).
type noopResolver struct{}

func (noopResolver) Resolve(raw string) string { return raw }

// NoVars is the identity [VarsResolver].
var NoVars VarsResolver = noopResolver{}

// Main is the typed, defaulted "[main]" section. Field names follow the
// INI keys listed in the design document, translated to Go case.
type Main struct {
	CacheDir                  string
	ReposDir                  []string
	InstallOnlyLimit          int
	CleanRequirementsOnRemove bool
	GPGCheck                  bool
	Plugins                   bool
	PluginPath                string
	PluginConfPath            string
	Proxy                     string
	ProxyUsername             string
	ProxyPassword             string
	DistroVerPkg              string
	VarsDir                   string
	ProtectedPackages         []string
	MinVersions               map[string]string // capability name -> minimum EVR floor
	Excludes                  []string
	InstallOnlyPkgs           []string
}

// Defaults matching tdnf's historical out-of-the-box behavior.
const (
	DefaultCacheDir         = "/var/cache/tdnf"
	DefaultReposDir         = "/etc/yum.repos.d"
	DefaultVarsDir          = "/etc/tdnf/vars"
	DefaultDistroVerPkg     = "system-release"
	DefaultInstallOnlyLimit = 3
)

// DefaultInstallOnlyPkgs are kept up to InstallOnlyLimit versions instead
// of being replaced outright on upgrade, matching tdnf's kernel-package
// handling.
var DefaultInstallOnlyPkgs = []string{"kernel", "kernel-uek", "kernel-headers", "installonlypkg(kernel)"}

// NewMain builds a Main from raw's main section, applying defaults for
// anything unset and parsing the INI-string encodings (comma lists,
// "0"/"1" booleans) the external parser leaves untouched.
func NewMain(raw RawConfig) (*Main, error) {
	m := &Main{
		CacheDir:                  getOr(raw.Main, "cachedir", DefaultCacheDir),
		ReposDir:                  getList(raw.Main, "reposdir", []string{DefaultReposDir}),
		VarsDir:                   getOr(raw.Main, "varsdir", DefaultVarsDir),
		DistroVerPkg:              getOr(raw.Main, "distroverpkg", DefaultDistroVerPkg),
		Proxy:                     raw.Main["proxy"],
		ProxyUsername:             raw.Main["proxy_username"],
		ProxyPassword:             raw.Main["proxy_password"],
		PluginPath:                raw.Main["pluginpath"],
		PluginConfPath:            raw.Main["pluginconfpath"],
		GPGCheck:                  getBool(raw.Main, "gpgcheck", true),
		Plugins:                   getBool(raw.Main, "plugins", true),
		CleanRequirementsOnRemove: getBool(raw.Main, "clean_requirements_on_remove", true),
		ProtectedPackages:         getList(raw.Main, "protected_packages", nil),
		Excludes:                  getList(raw.Main, "excludes", nil),
		InstallOnlyPkgs:           getList(raw.Main, "installonlypkgs", DefaultInstallOnlyPkgs),
		InstallOnlyLimit:          DefaultInstallOnlyLimit,
	}

	if v, ok := raw.Main["installonly_limit"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &tdnf.Error{Kind: tdnf.ErrConfig, Op: "config.NewMain", Message: "installonly_limit", Inner: err}
		}
		m.InstallOnlyLimit = n
	}

	if v := raw.Main["minversions"]; v != "" {
		mv, err := parseMinVersions(v)
		if err != nil {
			return nil, err
		}
		m.MinVersions = mv
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// parseMinVersions parses a comma-separated "name=evr" list into a map,
// matching the shape of every other comma-list main key.
func parseMinVersions(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, evr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, &tdnf.Error{Kind: tdnf.ErrConfig, Op: "config.NewMain", Message: "minversions entry missing '=': " + entry}
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(evr)
	}
	return out, nil
}

// Validate checks the invariants a Main must hold: a non-empty cachedir
// (filling in the default reposdir when none is set), and a non-negative
// installonly_limit (0 means "replace
// installonly packages like any other", matching tdnf's own convention;
// negative has no meaning).
func (m *Main) Validate() error {
	if m.CacheDir == "" {
		return &tdnf.Error{Kind: tdnf.ErrConfig, Message: "cachedir must not be empty"}
	}
	if len(m.ReposDir) == 0 {
		m.ReposDir = []string{DefaultReposDir}
	}
	if m.InstallOnlyLimit < 0 {
		return &tdnf.Error{Kind: tdnf.ErrConfig, Message: "installonly_limit must not be negative"}
	}
	return nil
}

// NewRepoSet builds a validated [repo.Set] from raw's repo sections,
// defaulting each repo's gpgcheck from main.GPGCheck and substituting
// vars into every URL-shaped field before repo.Config.Validate ever sees
// it, matching the order tdnf itself resolves a repo: read, default from
// main, substitute, validate.
func NewRepoSet(raw RawConfig, main *Main, vars VarsResolver) (*repo.Set, error) {
	if vars == nil {
		vars = NoVars
	}
	configs := make([]*repo.Config, 0, len(raw.Repos))
	for _, r := range raw.Repos {
		c, err := newRepoConfig(r, main, vars)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return repo.NewSet(configs)
}

func newRepoConfig(r RawRepo, main *Main, vars VarsResolver) (*repo.Config, error) {
	k := r.Keys
	c := &repo.Config{
		ID:                r.ID,
		Name:              vars.Resolve(getOr(k, "name", r.ID)),
		BaseURLs:          resolveList(getList(k, "baseurl", nil), vars),
		Metalink:          vars.Resolve(k["metalink"]),
		Mirrorlist:        vars.Resolve(k["mirrorlist"]),
		Enabled:           getBool(k, "enabled", true),
		GPGCheck:          getBool(k, "gpgcheck", main.GPGCheck),
		RepoGPGCheck:      getBool(k, "repo_gpgcheck", false),
		GPGKeys:           resolveList(getList(k, "gpgkey", nil), vars),
		SSLVerify:         getBool(k, "sslverify", true),
		SSLCACert:         k["sslcacert"],
		SSLClientCert:     k["sslclientcert"],
		SSLClientKey:      k["sslclientkey"],
		Username:          k["username"],
		Password:          k["password"],
		Proxy:             getOr(k, "proxy", main.Proxy),
		Priority:          getInt(k, "priority", 99),
		MinRate:           getInt64(k, "minrate", 0),
		Retries:           getInt(k, "retries", 10),
		SkipMDFilelists:   getBool(k, "skip_md_filelists", false),
		SkipMDUpdateinfo:  getBool(k, "skip_md_updateinfo", false),
		SkipMDOther:       getBool(k, "skip_md_other", false),
		Exclude:           getList(k, "exclude", nil),
		SkipIfUnavailable: getBool(k, "skip_if_unavailable", false),
		Vars:              varsSnapshot(vars),
	}
	if v, ok := k["timeout"]; ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &tdnf.Error{Kind: tdnf.ErrConfig, Op: "config.NewRepoSet", Message: r.ID + ": timeout", Inner: err}
		}
		c.Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := k["throttle"]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, &tdnf.Error{Kind: tdnf.ErrConfig, Op: "config.NewRepoSet", Message: r.ID + ": throttle", Inner: err}
		}
		c.Throttle = f
	}
	if v, ok := k["metadata_expire"]; ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &tdnf.Error{Kind: tdnf.ErrConfig, Op: "config.NewRepoSet", Message: r.ID + ": metadata_expire", Inner: err}
		}
		c.MetadataExpire = time.Duration(secs) * time.Second
	}
	return c, nil
}

// varsSnapshot asks a probe-able resolver for the few names repo.Config
// keeps for diagnostics; a resolver that isn't one just yields an empty
// snapshot, which is fine since Vars is informational only.
func varsSnapshot(vars VarsResolver) map[string]string {
	probe, ok := vars.(interface{ Snapshot() map[string]string })
	if !ok {
		return nil
	}
	return probe.Snapshot()
}

func resolveList(vals []string, vars VarsResolver) []string {
	if vals == nil {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = vars.Resolve(v)
	}
	return out
}

func getOr(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

func getBool(m map[string]string, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch strings.TrimSpace(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}

func getInt(m map[string]string, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getInt64(m map[string]string, key string, def int64) int64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getList(m map[string]string, key string, def []string) []string {
	v, ok := m[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if out == nil {
		return def
	}
	return out
}
