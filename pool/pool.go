// Package pool implements the Package Pool (component C7): the in-memory
// package universe that the Solver (C8) queries and mutates.
//
// Grounded on quay-claircore's general arena-of-structs-plus-inverted-index
// style (e.g. libindex's layer/package stores) and other_examples'
// dnf-manager.go PackageCache, adapted here to an index-based arena with
// name/provides/file inverted indexes instead of a single flat slice scan.
package pool

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	tdnf "github.com/opentdnf/tdnf-go"
)

// CookieSize is the trailing cookie length [Pool.EncodeRepo] and
// [Pool.DecodeRepo] agree on: a digest of the repomd bytes the cache was
// built from (spec.md §4.4 step 5, the solv cache).
const CookieSize = 32

// Scope narrows a [Filter] to a named subset of the pool, mirroring the
// query scopes spec.md §4.6 lists.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeInstalled
	ScopeAvailable
	ScopeExtras        // installed, but not present in any enabled repo
	ScopeUpgrades      // available packages newer than the installed NEVRA
	ScopeDowngrades    // available packages older than the installed NEVRA
	ScopeDuplicates    // name+arch with more than one installed EVR
	ScopeUserInstalled
)

// Filter is a composable predicate over the pool, per spec.md §4.6.
type Filter struct {
	Name     string // exact match; empty matches any
	NameGlob string // shell glob over name; empty matches any
	Provides string // capability name a package must provide
	File     string // exact file path a package must own
	Arch     string // restrict to this arch (noarch always included)
	RepoID   string // restrict to one repo; empty matches any
	Scope    Scope
}

// Pool is the in-memory package universe: an arena of packages plus
// inverted indexes for name/provides/file lookups, and the global
// arch/rootdir/excludes state the spec attaches to the pool itself rather
// than to a query.
type Pool struct {
	mu sync.RWMutex

	arena []tdnf.Package // index-stable: existing entries never move

	byName     map[string][]int
	byProvides map[string][]int
	byFile     map[string][]int

	arch          string
	rootdir       string
	excludes      []string        // compiled as path.Match-style globs against Name
	userInstalled map[string]bool // NEVRA.String() -> explicitly requested
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{
		byName:        make(map[string][]int),
		byProvides:    make(map[string][]int),
		byFile:        make(map[string][]int),
		userInstalled: make(map[string]bool),
	}
}

func (p *Pool) index(idx int) {
	pkg := &p.arena[idx]
	p.byName[pkg.Name] = append(p.byName[pkg.Name], idx)

	selfProvided := false
	for _, d := range pkg.Provides {
		p.byProvides[d.Name] = append(p.byProvides[d.Name], idx)
		if d.Name == pkg.Name {
			selfProvided = true
		}
	}
	if !selfProvided {
		p.byProvides[pkg.Name] = append(p.byProvides[pkg.Name], idx)
	}
	for _, f := range pkg.Files {
		p.byFile[f] = append(p.byFile[f], idx)
	}
}

// add appends packages to the arena and indexes them, returning their
// assigned indexes.
func (p *Pool) add(pkgs []tdnf.Package) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idxs := make([]int, 0, len(pkgs))
	for _, pkg := range pkgs {
		idx := len(p.arena)
		p.arena = append(p.arena, pkg)
		p.index(idx)
		idxs = append(idxs, idx)
	}
	return idxs
}

// AddInstalled ingests the installed set. Reading the RPM database itself
// is an external collaborator's job (this module's scope per errors.go's
// package doc); callers pass the already-parsed result.
func (p *Pool) AddInstalled(pkgs []tdnf.Package) {
	for i := range pkgs {
		pkgs[i].RepoID = tdnf.RepoInstalled
	}
	p.add(pkgs)
}

// AddRepo decodes a primary.xml document (already fetched, decompressed,
// and optionally snapshot-filtered upstream) and adds its packages under
// repoID.
func (p *Pool) AddRepo(repoID string, primary io.Reader) error {
	pkgs, err := decodePrimary(primary, repoID)
	if err != nil {
		return err
	}
	p.add(pkgs)
	return nil
}

// EncodeRepo writes a binary serialization of repoID's current packages to
// w, trailed by cookie (spec.md §4.4 step 5: the solv cache). [Pool.DecodeRepo]
// reverses this exactly, so a repo can be reloaded from disk without
// reparsing its primary.xml.
func (p *Pool) EncodeRepo(repoID string, cookie [CookieSize]byte, w io.Writer) error {
	p.mu.RLock()
	pkgs := make([]tdnf.Package, 0, len(p.arena))
	for _, pk := range p.arena {
		if pk.RepoID == repoID {
			pkgs = append(pkgs, pk)
		}
	}
	p.mu.RUnlock()

	if err := gob.NewEncoder(w).Encode(pkgs); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.EncodeRepo", Inner: err, Message: repoID}
	}
	if _, err := w.Write(cookie[:]); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.EncodeRepo", Inner: err, Message: repoID}
	}
	return nil
}

// DecodeRepo reads back a solv cache written by [Pool.EncodeRepo]. It
// reports fresh=false without adding anything to the pool if the trailing
// cookie doesn't match wantCookie, so a stale cache (repomd.xml changed upstream)
// is detected before its packages are trusted.
func (p *Pool) DecodeRepo(repoID string, r io.Reader, wantCookie [CookieSize]byte) (fresh bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.DecodeRepo", Inner: err, Message: repoID}
	}
	if len(data) < CookieSize {
		return false, &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.DecodeRepo", Inner: fmt.Errorf("solv cache for %s is truncated", repoID)}
	}
	payload, gotCookie := data[:len(data)-CookieSize], data[len(data)-CookieSize:]
	if !bytes.Equal(gotCookie, wantCookie[:]) {
		return false, nil
	}

	var pkgs []tdnf.Package
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&pkgs); err != nil {
		return false, &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.DecodeRepo", Inner: err, Message: repoID}
	}
	p.add(pkgs)
	return true, nil
}

// AddCmdline treats a single local .rpm file as a one-member repo under
// [tdnf.RepoCmdline]. Reading the RPM header itself is the RPM backend's
// job (external to this module); the NEVRA is recovered from the
// filename, which is the same convention tdnf's command-line handling
// uses to preview a local package before the backend opens it.
func (p *Pool) AddCmdline(rpmPath string) (tdnf.NEVRA, error) {
	base := path.Base(rpmPath)
	base = trimRPMSuffix(base)
	n, err := tdnf.ParseNEVRA(base)
	if err != nil {
		return tdnf.NEVRA{}, err
	}
	pkg := tdnf.Package{NEVRA: n, RepoID: tdnf.RepoCmdline, Location: rpmPath}
	p.add([]tdnf.Package{pkg})
	return n, nil
}

func trimRPMSuffix(s string) string {
	const suffix = ".rpm"
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// SetArch restricts queries to packages of this architecture (plus
// noarch, always considered compatible).
func (p *Pool) SetArch(arch string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arch = arch
}

// SetRootdir records the installroot; the pool itself does not touch the
// filesystem, but downstream components (the executor) consult it.
func (p *Pool) SetRootdir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rootdir = dir
}

// Rootdir returns the configured installroot, or "" for the host root.
func (p *Pool) Rootdir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootdir
}

// ApplyExcludes compiles name globs into the pool's excluded-package mask.
// The installed subset is never subject to excludes (spec.md §4.6
// invariant); only Query's available-scope results are filtered.
func (p *Pool) ApplyExcludes(patterns []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excludes = append(p.excludes, patterns...)
}

func (p *Pool) excluded(name string) bool {
	for _, pat := range p.excludes {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// MarkUserInstalled records that n was installed by explicit user request
// (as opposed to pulled in as a dependency), the distinction autoremove
// and history's auto-flag rely on.
func (p *Pool) MarkUserInstalled(n tdnf.NEVRA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInstalled[n.String()] = true
}

// UserInstalled reports whether n was recorded via [Pool.MarkUserInstalled].
func (p *Pool) UserInstalled(n tdnf.NEVRA) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userInstalled[n.String()]
}

// UnmarkUserInstalled clears the user-installed flag for n, the `mark
// remove` CLI action (spec.md §6) — the package stays installed but is now
// eligible for autoremove like any other dependency-only package.
func (p *Pool) UnmarkUserInstalled(n tdnf.NEVRA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.userInstalled, n.String())
}

func (p *Pool) archCompatible(pkgArch string) bool {
	if p.arch == "" || pkgArch == "" || pkgArch == "noarch" {
		return true
	}
	return pkgArch == p.arch
}

// Query returns every package in the arena matching f, in arena (insertion)
// order.
func (p *Pool) Query(f Filter) []tdnf.Package {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := p.candidateIndexes(f)
	out := make([]tdnf.Package, 0, len(candidates))
	for _, idx := range candidates {
		pkg := p.arena[idx]
		if !p.matches(pkg, f) {
			continue
		}
		out = append(out, pkg)
	}
	return applyScope(p, out, f.Scope)
}

// QueryFold returns every package whose name matches name case-insensitively
// and whose architecture is compatible, for the Solver's case-insensitive
// selector retry (spec.md §4.7 step 5). It is a full scan: the case-folded
// fallback is expected to be rare.
func (p *Pool) QueryFold(name string) []tdnf.Package {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []tdnf.Package
	for _, pk := range p.arena {
		if strings.EqualFold(pk.Name, name) && p.archCompatible(pk.Arch) {
			out = append(out, pk)
		}
	}
	return out
}

// candidateIndexes narrows the search using whichever index is most
// selective for f, falling back to a full scan.
func (p *Pool) candidateIndexes(f Filter) []int {
	switch {
	case f.Name != "":
		return p.byName[f.Name]
	case f.Provides != "":
		return p.byProvides[f.Provides]
	case f.File != "":
		return p.byFile[f.File]
	default:
		all := make([]int, len(p.arena))
		for i := range all {
			all[i] = i
		}
		return all
	}
}

func (p *Pool) matches(pkg tdnf.Package, f Filter) bool {
	if f.Name != "" && pkg.Name != f.Name {
		return false
	}
	if f.NameGlob != "" {
		if ok, _ := path.Match(f.NameGlob, pkg.Name); !ok {
			return false
		}
	}
	if f.Provides != "" && !pkg.ProvidesName(f.Provides) {
		return false
	}
	if f.File != "" && !containsFile(pkg.Files, f.File) {
		return false
	}
	if f.RepoID != "" && pkg.RepoID != f.RepoID {
		return false
	}
	if f.Arch != "" && pkg.Arch != f.Arch && pkg.Arch != "noarch" {
		return false
	}
	if !p.archCompatible(pkg.Arch) {
		return false
	}
	if !pkg.Installed() && p.excluded(pkg.Name) {
		return false
	}
	return true
}

func containsFile(files []string, want string) bool {
	for _, f := range files {
		if f == want {
			return true
		}
	}
	return false
}

func applyScope(p *Pool, pkgs []tdnf.Package, scope Scope) []tdnf.Package {
	switch scope {
	case ScopeAll:
		return pkgs
	case ScopeInstalled:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool { return pk.Installed() })
	case ScopeAvailable:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool { return !pk.Installed() })
	case ScopeUserInstalled:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool {
			return pk.Installed() && p.userInstalled[pk.NEVRA.String()]
		})
	case ScopeExtras:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool {
			return pk.Installed() && !p.hasAvailable(pk.Name, pk.Arch)
		})
	case ScopeUpgrades:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool {
			return !pk.Installed() && p.newerThanInstalled(pk, 1)
		})
	case ScopeDowngrades:
		return filterPkgs(pkgs, func(pk tdnf.Package) bool {
			return !pk.Installed() && p.newerThanInstalled(pk, -1)
		})
	case ScopeDuplicates:
		return p.duplicates(pkgs)
	default:
		return pkgs
	}
}

func filterPkgs(pkgs []tdnf.Package, keep func(tdnf.Package) bool) []tdnf.Package {
	out := make([]tdnf.Package, 0, len(pkgs))
	for _, pk := range pkgs {
		if keep(pk) {
			out = append(out, pk)
		}
	}
	return out
}

// hasAvailable reports whether some enabled repo carries name/arch,
// independent of the Filter passed to Query (extras must be computed
// against the whole pool, not just the filtered slice).
func (p *Pool) hasAvailable(name, arch string) bool {
	for _, idx := range p.byName[name] {
		pk := p.arena[idx]
		if !pk.Installed() && pk.Arch == arch {
			return true
		}
	}
	return false
}

// newerThanInstalled reports whether pk's EVR compares to the installed
// NEVRA of the same name+arch in the direction sign indicates (positive
// for upgrades, negative for downgrades). A name+arch with no installed
// counterpart is neither an upgrade nor a downgrade.
func (p *Pool) newerThanInstalled(pk tdnf.Package, sign int) bool {
	for _, idx := range p.byName[pk.Name] {
		ip := p.arena[idx]
		if !ip.Installed() || ip.Arch != pk.Arch {
			continue
		}
		c := tdnf.CompareEVR(pk.NEVRA, ip.NEVRA)
		if sign > 0 {
			return c > 0
		}
		return c < 0
	}
	return false
}

// duplicates returns packages among pkgs whose (name, arch) has more than
// one installed EVR.
func (p *Pool) duplicates(pkgs []tdnf.Package) []tdnf.Package {
	counts := make(map[string]int)
	for _, idx := range p.allInstalledIndexes() {
		pk := p.arena[idx]
		counts[pk.Name+"."+pk.Arch]++
	}
	return filterPkgs(pkgs, func(pk tdnf.Package) bool {
		return pk.Installed() && counts[pk.Name+"."+pk.Arch] > 1
	})
}

func (p *Pool) allInstalledIndexes() []int {
	var out []int
	for i, pk := range p.arena {
		if pk.Installed() {
			out = append(out, i)
		}
	}
	return out
}
