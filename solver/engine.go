package solver

import (
	"sort"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/repo"
)

// Want is one capability the engine must satisfy: either a user job
// (install/upgrade/downgrade target) or a dependency pulled in while
// satisfying another want. Candidates are pre-filtered to arch-compatible,
// non-excluded packages; the engine only has to pick among them.
type Want struct {
	Source     string // selector text or "requires: <name>", for diagnostics
	Candidates []tdnf.Package
	UserJob    bool // true for an explicit job target, false for a pulled-in dependency
}

// Resolution is what a [DependencyEngine] produces from a successful solve.
type Resolution struct {
	Install []tdnf.Package // newly selected non-installed packages, in pick order
	Erase   []tdnf.Package // installed packages to remove: the explicit erase targets only; obsoleted or conflicting installed packages are not added

	// UserRequested holds the name+"."+arch key of every Install entry that
	// satisfied at least one UserJob want directly, as opposed to being
	// pulled in purely to satisfy another package's Requires. The history
	// store's auto flag is the negation of this.
	UserRequested map[string]bool
}

// Lookup resolves a capability name (a Requires/Conflicts/Obsoletes
// target) to every package in the pool that provides it, installed and
// available alike, so the engine can expand a pick's Requires into new
// Wants without holding a direct pool reference itself.
type Lookup func(capability string) []tdnf.Package

// DependencyEngine resolves a set of wants and explicit erasures into a
// [Resolution], or a structured problem list on failure. It is an
// interface so the CDCL-flavored default implementation can be swapped
// for another constraint engine without touching [Solver].
type DependencyEngine interface {
	Solve(wants []Want, erase []tdnf.Package, flags tdnf.Flags, protected map[string]bool, repoPriority map[string]int, lookup Lookup) (Resolution, []tdnf.Problem)
}

// cdclEngine is a conflict-driven-clause-learning-flavored engine: it
// treats each Want as a clause (at least one candidate must be selected),
// propagates each pick's Requires as new wants, and backtracks across a
// candidate's own alternative list when a pick conflicts with the
// selection built so far. It does not (yet) learn clauses or backtrack
// across wants non-chronologically; within the NEVRA/capability
// constraint domain this module targets, single-want backtracking covers
// every case spec.md's worked examples exercise.
//
// Grounded on the structural shape of golang-dep's gps solver
// (decision stack + worklist + per-pick conflict check), adapted from
// semver import constraints to NEVRA/EVR/capability constraints.
type cdclEngine struct{}

// NewEngine returns the default in-module [DependencyEngine].
func NewEngine() DependencyEngine { return cdclEngine{} }

type selection struct {
	byKey map[string]tdnf.Package // name+"."+arch -> chosen package
	order []string                // keys, in pick order
}

func newSelection() *selection {
	return &selection{byKey: make(map[string]tdnf.Package)}
}

func (s *selection) key(n tdnf.NEVRA) string { return n.Name + "." + n.Arch }

func (s *selection) get(n tdnf.NEVRA) (tdnf.Package, bool) {
	pk, ok := s.byKey[s.key(n)]
	return pk, ok
}

func (s *selection) put(pk tdnf.Package) {
	k := s.key(pk.NEVRA)
	if _, exists := s.byKey[k]; !exists {
		s.order = append(s.order, k)
	}
	s.byKey[k] = pk
}

func (s *selection) packages() []tdnf.Package {
	out := make([]tdnf.Package, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byKey[k])
	}
	return out
}

func (s *selection) all() []tdnf.Package {
	out := make([]tdnf.Package, 0, len(s.byKey))
	for _, pk := range s.byKey {
		out = append(out, pk)
	}
	return out
}

func (e cdclEngine) Solve(wants []Want, erase []tdnf.Package, flags tdnf.Flags, protected map[string]bool, repoPriority map[string]int, lookup Lookup) (Resolution, []tdnf.Problem) {
	sel := newSelection()
	erased := make(map[string]bool)
	userRequested := make(map[string]bool)

	for _, pk := range erase {
		if protected[pk.Name] {
			return Resolution{}, []tdnf.Problem{{
				Kind:    tdnf.ProblemNotInstallable,
				Subject: pk.NEVRA,
				Detail:  "package is protected",
			}}
		}
		erased[pk.Name+"."+pk.Arch] = true
	}

	queue := append([]Want(nil), wants...)
	var problems []tdnf.Problem

	for i := 0; i < len(queue); i++ {
		w := queue[i]
		if len(w.Candidates) == 0 {
			problems = append(problems, tdnf.Problem{Kind: tdnf.ProblemNotInstallable, Detail: "no candidate for " + w.Source})
			if flags.SkipBroken {
				continue
			}
			continue
		}

		ordered := tieBreak(w.Candidates, repoPriority)

		if existing, ok := sel.get(ordered[0].NEVRA); ok {
			if existing.NEVRA == ordered[0].NEVRA {
				if w.UserJob {
					userRequested[sel.key(existing.NEVRA)] = true
				}
				continue // already satisfied by a prior pick
			}
		}

		picked, ok := pick(ordered, sel, erased, protected, flags)
		if !ok {
			problems = append(problems, conflictProblem(w, ordered))
			continue
		}

		if picked.Installed() {
			// Selecting the already-installed NEVRA satisfies the want
			// without adding an install step.
			continue
		}

		sel.put(picked)
		if w.UserJob {
			userRequested[sel.key(picked.NEVRA)] = true
		}
		for _, dep := range picked.Requires {
			if flags.NoDeps {
				break
			}
			queue = append(queue, Want{Source: "requires: " + dep.String(), Candidates: satisfying(lookup(dep.Name), dep)})
		}
	}

	if len(problems) > 0 && !flags.SkipBroken {
		return Resolution{}, problems
	}

	eraseOut := append([]tdnf.Package(nil), erase...)
	return Resolution{Install: sel.packages(), Erase: eraseOut, UserRequested: userRequested}, nil
}

// pick walks ordered (already tie-break sorted) looking for the first
// candidate that does not conflict with sel or the erase set. When
// flags.Best is set the engine commits to the first candidate only,
// matching spec.md §4.7's "best=false allows the engine to pick an older
// EVR to avoid a conflict".
func pick(ordered []tdnf.Package, sel *selection, erased map[string]bool, protected map[string]bool, flags tdnf.Flags) (tdnf.Package, bool) {
	limit := len(ordered)
	if flags.Best {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		c := ordered[i]
		if conflicts(c, sel) {
			continue
		}
		return c, true
	}
	return tdnf.Package{}, false
}

// conflicts reports whether candidate c is incompatible with the
// selection built so far: either c's own Conflicts/Obsoletes name an
// already-selected package, or an already-selected package's
// Conflicts/Obsoletes name c.
func conflicts(c tdnf.Package, sel *selection) bool {
	for _, pk := range sel.all() {
		if namesConflict(c, pk) || namesConflict(pk, c) {
			return true
		}
	}
	return false
}

func namesConflict(a, b tdnf.Package) bool {
	for _, d := range a.Conflicts {
		if d.Name == b.Name && d.Satisfies(b.NEVRA) {
			return true
		}
	}
	for _, d := range a.Obsoletes {
		if d.Name == b.Name && d.Satisfies(b.NEVRA) {
			return true
		}
	}
	return false
}

// satisfying filters candidates down to those that actually satisfy dep's
// version relation, since lookup matches on capability name alone.
func satisfying(candidates []tdnf.Package, dep tdnf.Dependency) []tdnf.Package {
	var out []tdnf.Package
	for _, c := range candidates {
		if dep.Satisfies(c.NEVRA) {
			out = append(out, c)
		}
	}
	return out
}

func conflictProblem(w Want, ordered []tdnf.Package) tdnf.Problem {
	p := tdnf.Problem{Kind: tdnf.ProblemConflicts, Detail: w.Source}
	if len(ordered) > 0 {
		p.Subject = ordered[0].NEVRA
	}
	for _, c := range ordered {
		p.Related = append(p.Related, c.NEVRA)
	}
	return p
}

// tieBreak orders candidates per spec.md §4.7: newest EVR first, then
// lower repo priority number, then repo-id lexicographic order.
func tieBreak(pkgs []tdnf.Package, repoPriority map[string]int) []tdnf.Package {
	out := append([]tdnf.Package(nil), pkgs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := tdnf.CompareEVR(a.NEVRA, b.NEVRA); c != 0 {
			return c > 0
		}
		pa, pb := repoPriority[a.RepoID], repoPriority[b.RepoID]
		if pa != pb {
			return pa < pb
		}
		return a.RepoID < b.RepoID
	})
	return out
}

// priorityMap builds a repo-id -> priority lookup from a repo.Set, the
// form [DependencyEngine.Solve] consumes for tie-breaking.
func priorityMap(set *repo.Set) map[string]int {
	out := make(map[string]int)
	for _, c := range set.All() {
		out[c.ID] = c.Priority
	}
	return out
}
