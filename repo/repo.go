// Package repo holds the typed view of a repository configuration: the
// Repo Config Model (component C4). It does not parse ".repo"/".conf" INI
// files itself — that remains an external collaborator's job per the
// module's scope — it only validates and defaults an already-parsed
// [Config].
package repo

import (
	"fmt"
	"time"
)

// Config is one "[id]" section of a repo file, after INI parsing and vars
// substitution have already happened upstream.
type Config struct {
	ID   string
	Name string

	BaseURLs   []string // tried in order
	Metalink   string
	Mirrorlist string

	Enabled bool

	GPGCheck     bool
	RepoGPGCheck bool
	GPGKeys      []string // gpgkey= URLs

	SSLVerify     bool
	SSLCACert     string
	SSLClientCert string
	SSLClientKey  string

	Username string
	Password string
	Proxy    string

	Priority int // lower number = higher priority
	Timeout  time.Duration
	MinRate  int64
	Throttle float64
	Retries  int

	SkipMDFilelists  bool
	SkipMDUpdateinfo bool
	SkipMDOther      bool

	Exclude []string // name globs, merged into the pool's excluded mask

	SkipIfUnavailable bool

	// Vars is the already-resolved snapshot of $releasever/$basearch/user
	// vars used when this Config's URLs were substituted. Kept for
	// diagnostics; this package never re-substitutes.
	Vars map[string]string

	// MetadataExpire is how long a cached repomd.xml is considered fresh.
	MetadataExpire time.Duration

	// mutated by the Metadata Fetcher (C5) once resolved:
	CachePath   string
	HasMetadata bool
	ResolvedURL string // the one base URL that worked this session
}

// DefaultMetadataExpire matches tdnf's historical default of six hours.
const DefaultMetadataExpire = 6 * time.Hour

// Validate checks the invariants a repo config must hold before it can be
// added to a [Pool]: non-empty ID, at least one way to find a base URL, and
// sane numeric ranges.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("repo: config missing id")
	}
	if len(c.BaseURLs) == 0 && c.Metalink == "" && c.Mirrorlist == "" {
		return fmt.Errorf("repo %s: no baseurl, metalink, or mirrorlist configured", c.ID)
	}
	if c.Priority < 0 {
		return fmt.Errorf("repo %s: negative priority %d", c.ID, c.Priority)
	}
	if c.MetadataExpire == 0 {
		c.MetadataExpire = DefaultMetadataExpire
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Set is an ordered collection of repo configs, keyed by ID; invariant: IDs
// are unique within an enabled set.
type Set struct {
	byID  map[string]*Config
	order []string
}

// NewSet builds a Set from configs, in configuration order. Order is
// significant: spec.md §5 requires repos be processed in configuration
// order.
func NewSet(configs []*Config) (*Set, error) {
	s := &Set{byID: make(map[string]*Config, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("repo: duplicate repo id %q", c.ID)
		}
		s.byID[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	return s, nil
}

// Enabled returns the enabled configs in configuration order.
func (s *Set) Enabled() []*Config {
	out := make([]*Config, 0, len(s.order))
	for _, id := range s.order {
		if c := s.byID[id]; c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// All returns every config (enabled or not) in configuration order.
func (s *Set) All() []*Config {
	out := make([]*Config, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Get returns the config with the given ID, or nil.
func (s *Set) Get(id string) *Config { return s.byID[id] }

// Disable marks the repo with the given ID disabled without removing it, so
// --disablerepo can still be queried as existing but off. Matching is
// caller-supplied (the module doesn't reimplement shell globbing); pass an
// exact ID for a single repo.
func (s *Set) Disable(id string) {
	if c, ok := s.byID[id]; ok {
		c.Enabled = false
	}
}

// Enable is the inverse of Disable, used by --enablerepo.
func (s *Set) Enable(id string) {
	if c, ok := s.byID[id]; ok {
		c.Enabled = true
	}
}
