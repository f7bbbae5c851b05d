package solver

import (
	"context"
	"strings"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/internal/obs"
	"github.com/opentdnf/tdnf-go/pool"
)

// knownArches is consulted when splitting a "name.arch" selector; it keeps
// an arch-looking suffix from being mistaken for part of a package name
// that happens to contain a dot (rare, but real: some SRPM-derived names
// do).
var knownArches = map[string]bool{
	"x86_64": true, "i686": true, "i386": true, "noarch": true,
	"aarch64": true, "armv7hl": true, "ppc64le": true, "ppc64": true,
	"s390x": true, "src": true,
}

// resolveSelector implements the cascade spec.md §4.7 describes: try NEVRA
// equality, then name+arch+EVR, then a name glob, then a capability
// (including file paths), and finally retry case-insensitively.
//
// kind pins the selector to one interpretation instead of running the
// cascade, for callers that already know how S should be read (e.g. a CLI
// flag that always names a capability).
func resolveSelector(ctx context.Context, p *pool.Pool, s string, kind tdnf.SelectorKind) []tdnf.Package {
	switch kind {
	case tdnf.SelectNEVRA:
		return matchNEVRA(p, s)
	case tdnf.SelectName:
		return matchNameArchEVR(p, s)
	case tdnf.SelectProvides:
		return p.Query(pool.Filter{Provides: s})
	case tdnf.SelectFile:
		return p.Query(pool.Filter{File: s})
	case tdnf.SelectAll:
		return p.Query(pool.Filter{NameGlob: "*"})
	}

	if got := matchNEVRA(p, s); len(got) > 0 {
		return got
	}
	if got := matchNameArchEVR(p, s); len(got) > 0 {
		return got
	}
	if isGlob(s) {
		if got := p.Query(pool.Filter{NameGlob: s}); len(got) > 0 {
			return got
		}
	}
	if got := matchCapability(p, s); len(got) > 0 {
		return got
	}

	name, _, _, _ := splitRelation(s)
	name, _ = splitArch(name)
	got := p.QueryFold(name)
	if len(got) > 0 {
		obs.Logger(ctx).WarnContext(ctx, "selector matched only case-insensitively", "selector", s)
	}
	return got
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func matchCapability(p *pool.Pool, s string) []tdnf.Package {
	if strings.HasPrefix(s, "/") {
		return p.Query(pool.Filter{File: s})
	}
	return p.Query(pool.Filter{Provides: s})
}

// matchNEVRA tries to parse s as a complete NEVRA and finds an exact,
// case-sensitive match against the pool.
func matchNEVRA(p *pool.Pool, s string) []tdnf.Package {
	n, err := tdnf.ParseNEVRA(s)
	if err != nil || n.Name == "" || n.Version == "" || n.Release == "" {
		return nil
	}
	candidates := p.Query(pool.Filter{Name: n.Name})
	var out []tdnf.Package
	for _, c := range candidates {
		if c.Version == n.Version && c.Release == n.Release &&
			(n.Epoch == "" || n.Epoch == "0" || c.Epoch == n.Epoch) &&
			(n.Arch == "" || c.Arch == n.Arch) {
			out = append(out, c)
		}
	}
	return out
}

// matchNameArchEVR handles "name", "name.arch", and "name RELOP version"
// selectors, per spec.md §4.7 step 2.
func matchNameArchEVR(p *pool.Pool, s string) []tdnf.Package {
	name, op, ver, hasRel := splitRelation(s)
	name, arch := splitArch(name)
	if name == "" {
		return nil
	}

	f := pool.Filter{Name: name}
	if arch != "" {
		f.Arch = arch
	}
	candidates := p.Query(f)
	if !hasRel {
		if arch == "" {
			return nil // bare name with no relation is left to the capability lookup (every package provides its own name)
		}
		return candidates
	}

	dep := tdnf.Dependency{Name: name, Relation: parseRelOp(op), EVR: parseEVR(ver)}

	var out []tdnf.Package
	for _, c := range candidates {
		if dep.Satisfies(c.NEVRA) {
			out = append(out, c)
		}
	}
	return out
}

func splitRelation(s string) (name, op, ver string, has bool) {
	for _, o := range []string{">=", "<=", "=", ">", "<"} {
		if i := strings.Index(s, o); i >= 0 {
			return strings.TrimSpace(s[:i]), o, strings.TrimSpace(s[i+len(o):]), true
		}
	}
	return s, "", "", false
}

func splitArch(name string) (base, arch string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	suffix := name[i+1:]
	if knownArches[suffix] {
		return name[:i], suffix
	}
	return name, ""
}

// parseEVR parses the bare "[epoch:]version[-release]" form used on the
// right-hand side of a selector's relational operator; unlike a full NEVRA
// it has no name or arch to disambiguate against.
func parseEVR(s string) tdnf.NEVRA {
	epoch := "0"
	if e, rest, ok := strings.Cut(s, ":"); ok {
		epoch = e
		s = rest
	}
	version, release, _ := strings.Cut(s, "-")
	return tdnf.NEVRA{Epoch: epoch, Version: version, Release: release}
}

func parseRelOp(op string) tdnf.DependencyRelation {
	switch op {
	case "<":
		return tdnf.RelLT
	case "<=":
		return tdnf.RelLE
	case "=":
		return tdnf.RelEQ
	case ">=":
		return tdnf.RelGE
	case ">":
		return tdnf.RelGT
	default:
		return tdnf.RelNone
	}
}
