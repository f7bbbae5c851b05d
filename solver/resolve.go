// Package solver implements the Solver (component C8): building jobs from
// user requests, running a SAT-style dependency engine over the pool, and
// reporting the resulting transaction or a structured problem list.
package solver

import (
	"context"
	"fmt"
	"time"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/internal/obs"
	"github.com/opentdnf/tdnf-go/pool"
	"github.com/opentdnf/tdnf-go/repo"
)

// Solver is the Solver (C8), bound to a pool, the repo set it was loaded
// from (for tie-break priorities), and a swappable dependency engine.
type Solver struct {
	Pool      *pool.Pool
	Repos     *repo.Set
	Engine    DependencyEngine
	Protected map[string]bool // package names that cannot be removed unless replaced
}

// New returns a Solver with the default in-module [DependencyEngine].
func New(p *pool.Pool, repos *repo.Set, protected []string) *Solver {
	prot := make(map[string]bool, len(protected))
	for _, n := range protected {
		prot[n] = true
	}
	return &Solver{Pool: p, Repos: repos, Engine: NewEngine(), Protected: prot}
}

// Resolve runs req against s.Pool, translating each job into the engine's
// primitives (spec.md §4.7) and returning the raw ordered [tdnf.Transaction].
// On an unresolvable request it returns [tdnf.ErrSolver]-kind error wrapping
// [tdnf.Problem]s, already filtered by req.Flags.Skip* per spec.md §4.7.
func (s *Solver) Resolve(ctx context.Context, req tdnf.ResolveRequest) (tdnf.Transaction, error) {
	ctx, span := obs.Tracer().Start(ctx, "solver.Resolve")
	defer span.End()
	start := time.Now()
	defer func() { obs.M().SolveDuration.Observe(time.Since(start).Seconds()) }()

	var wants []Want
	var erase []tdnf.Package

	for _, job := range req.Jobs {
		jw, je, err := s.buildJob(ctx, job, req.Flags)
		if err != nil {
			return tdnf.Transaction{}, err
		}
		wants = append(wants, jw...)
		erase = append(erase, je...)
	}

	lookup := func(capability string) []tdnf.Package {
		return s.Pool.Query(pool.Filter{Provides: capability})
	}
	res, problems := s.Engine.Solve(wants, erase, req.Flags, s.Protected, priorityMap(s.Repos), lookup)
	if len(problems) > 0 {
		problems = filterProblems(problems, req.Flags, s.Pool)
		if len(problems) > 0 {
			return tdnf.Transaction{}, &tdnf.Error{
				Kind:    tdnf.ErrSolver,
				Op:      "solver.Resolve",
				Inner:   problemsErr(problems),
				Message: fmt.Sprintf("%d unresolved problem(s)", len(problems)),
			}
		}
	}

	return assembleTransaction(res), nil
}

type problemsErr []tdnf.Problem

func (p problemsErr) Error() string {
	if len(p) == 0 {
		return "no problems"
	}
	return fmt.Sprintf("%d problems, first: %s", len(p), p[0].Detail)
}

// Problems unwraps a [Solver.Resolve] error back into its structured
// problem list, for callers that want to print one diagnostic per line
// (spec.md §7).
func Problems(err error) []tdnf.Problem {
	if e, ok := err.(*tdnf.Error); ok {
		if inner, ok := e.Inner.(problemsErr); ok {
			return inner
		}
	}
	return nil
}

// buildJob translates one [tdnf.Job] into wants (things the engine must
// satisfy) and/or explicit erasures, per spec.md §4.7's action-to-primitive
// mapping.
func (s *Solver) buildJob(ctx context.Context, job tdnf.Job, flags tdnf.Flags) ([]Want, []tdnf.Package, error) {
	switch job.Action {
	case tdnf.ActionInstall, tdnf.ActionReinstall:
		return s.buildInstall(ctx, job)
	case tdnf.ActionUpgrade:
		return s.buildUpgrade(ctx, job, false)
	case tdnf.ActionDowngrade:
		return s.buildUpgrade(ctx, job, true)
	case tdnf.ActionDistroSync:
		return s.buildDistroSync(ctx, job)
	case tdnf.ActionErase:
		return s.buildErase(ctx, job)
	case tdnf.ActionMarkUserInstalled:
		s.markUserInstalled(ctx, job)
		return nil, nil, nil
	case tdnf.ActionMarkRemove:
		s.markRemove(ctx, job)
		return nil, nil, nil
	case tdnf.ActionAutoremove:
		return nil, s.orphanedPackages(), nil
	default:
		return nil, nil, &tdnf.Error{Kind: tdnf.ErrUser, Op: "solver.buildJob", Message: fmt.Sprintf("unknown action %v", job.Action)}
	}
}

func (s *Solver) buildInstall(ctx context.Context, job tdnf.Job) ([]Want, []tdnf.Package, error) {
	candidates := resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind)
	avail := onlyAvailable(candidates)
	if len(avail) == 0 {
		if len(candidates) > 0 {
			return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildInstall", Inner: tdnf.ErrAlreadyInstalled, Message: job.Selector}
		}
		return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildInstall", Inner: tdnf.ErrNoMatch, Message: job.Selector}
	}
	return []Want{{Source: job.Selector, Candidates: avail, UserJob: true}}, nil, nil
}

// buildUpgrade builds an upgrade (downgrade=false) or downgrade
// (downgrade=true) want set. An empty selector means "upgrade/downgrade
// everything installed" per spec.md §4.7 ("upgrade with no arguments
// becomes upgrade-all").
func (s *Solver) buildUpgrade(ctx context.Context, job tdnf.Job, downgrade bool) ([]Want, []tdnf.Package, error) {
	var names []string
	if job.Selector == "" {
		for _, pk := range s.Pool.Query(pool.Filter{Scope: pool.ScopeInstalled}) {
			names = append(names, pk.Name)
		}
	} else {
		for _, pk := range resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind) {
			names = append(names, pk.Name)
		}
		if len(names) == 0 {
			return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildUpgrade", Inner: tdnf.ErrNoMatch, Message: job.Selector}
		}
	}

	var wants []Want
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		scope := pool.ScopeUpgrades
		if downgrade {
			scope = pool.ScopeDowngrades
		}
		cands := s.Pool.Query(pool.Filter{Name: name, Scope: scope})
		if len(cands) == 0 {
			continue // nothing to do for this name; not an error for upgrade-all semantics
		}
		wants = append(wants, Want{Source: name, Candidates: cands, UserJob: true})
	}
	if len(wants) == 0 && job.Selector != "" {
		kind := tdnf.ErrNoUpgradePath
		if downgrade {
			kind = tdnf.ErrNoDowngradePath
		}
		return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildUpgrade", Inner: kind, Message: job.Selector}
	}
	return wants, nil, nil
}

// buildDistroSync forces every installed package to the exact EVR the
// enabled repos currently offer, downgrades included (spec.md glossary
// "distro-sync").
func (s *Solver) buildDistroSync(ctx context.Context, job tdnf.Job) ([]Want, []tdnf.Package, error) {
	var installed []tdnf.Package
	if job.Selector == "" {
		installed = s.Pool.Query(pool.Filter{Scope: pool.ScopeInstalled})
	} else {
		installed = resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind)
	}
	var wants []Want
	for _, pk := range installed {
		cands := s.Pool.Query(pool.Filter{Name: pk.Name, Arch: pk.Arch, Scope: pool.ScopeAvailable})
		if len(cands) == 0 {
			continue
		}
		wants = append(wants, Want{Source: pk.Name, Candidates: cands, UserJob: true})
	}
	return wants, nil, nil
}

func (s *Solver) buildErase(ctx context.Context, job tdnf.Job) ([]Want, []tdnf.Package, error) {
	candidates := resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind)
	installed := onlyInstalled(candidates)
	if len(installed) == 0 {
		return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildErase", Inner: tdnf.ErrNoMatch, Message: job.Selector}
	}
	for _, pk := range installed {
		if s.Protected[pk.Name] {
			return nil, nil, &tdnf.Error{Kind: tdnf.ErrSolver, Op: "solver.buildErase", Inner: tdnf.ErrProtected, Message: pk.NEVRA.String()}
		}
	}
	return nil, installed, nil
}

func (s *Solver) markUserInstalled(ctx context.Context, job tdnf.Job) {
	for _, pk := range resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind) {
		if pk.Installed() {
			s.Pool.MarkUserInstalled(pk.NEVRA)
		}
	}
}

// markRemove implements `mark remove`: clears the user-installed flag
// without erasing the package, per spec.md §6's `mark {install|remove}`.
func (s *Solver) markRemove(ctx context.Context, job tdnf.Job) {
	for _, pk := range resolveSelector(ctx, s.Pool, job.Selector, job.SelectorKind) {
		if pk.Installed() {
			s.Pool.UnmarkUserInstalled(pk.NEVRA)
		}
	}
}

// orphanedPackages returns installed packages not marked user-installed
// that no other installed package requires (by name or provide); a package
// required only by another non-user-installed package is kept too. This is
// the autoremove job's target set
// (spec.md §4.9 Unneeded / §4.9 history "orphans").
func (s *Solver) orphanedPackages() []tdnf.Package {
	installed := s.Pool.Query(pool.Filter{Scope: pool.ScopeInstalled})
	required := make(map[string]bool)
	for _, pk := range installed {
		if !s.Pool.UserInstalled(pk.NEVRA) {
			continue
		}
		for _, dep := range pk.Requires {
			required[dep.Name] = true
		}
	}
	var out []tdnf.Package
	for _, pk := range installed {
		if s.Pool.UserInstalled(pk.NEVRA) {
			continue
		}
		if required[pk.Name] || requiredByAny(pk, installed, s.Pool) {
			continue
		}
		out = append(out, pk)
	}
	return out
}

func requiredByAny(target tdnf.Package, installed []tdnf.Package, p *pool.Pool) bool {
	for _, pk := range installed {
		if pk.NEVRA == target.NEVRA {
			continue
		}
		for _, dep := range pk.Requires {
			if dep.Name == target.Name || target.ProvidesName(dep.Name) {
				return true
			}
		}
	}
	return false
}

func onlyAvailable(pkgs []tdnf.Package) []tdnf.Package {
	var out []tdnf.Package
	for _, pk := range pkgs {
		if !pk.Installed() {
			out = append(out, pk)
		}
	}
	return out
}

func onlyInstalled(pkgs []tdnf.Package) []tdnf.Package {
	var out []tdnf.Package
	for _, pk := range pkgs {
		if pk.Installed() {
			out = append(out, pk)
		}
	}
	return out
}

// filterProblems drops problems the request's Skip* flags say to ignore,
// per spec.md §4.7: skip_conflicts drops PKG_CONFLICTS/PKG_SELF_CONFLICT,
// skip_disabled drops every PKG_NOT_INSTALLABLE problem (it does not check
// whether the candidate was excluded), and a
// PKG_REQUIRES problem is demoted whenever the missing capability's name is
// provided by some package in an enabled repo (the failure is presumed
// transitive; another problem will name the real cause).
func filterProblems(problems []tdnf.Problem, flags tdnf.Flags, p *pool.Pool) []tdnf.Problem {
	var out []tdnf.Problem
	for _, prob := range problems {
		switch prob.Kind {
		case tdnf.ProblemConflicts, tdnf.ProblemSelfConflict:
			if flags.SkipConflicts {
				continue
			}
		case tdnf.ProblemNotInstallable:
			if flags.SkipDisabled {
				continue
			}
		case tdnf.ProblemRequires:
			if len(p.Query(pool.Filter{Provides: prob.Subject.Name, Scope: pool.ScopeAvailable})) > 0 {
				continue
			}
		case tdnf.ProblemObsoletes:
			if flags.SkipObsoletes {
				continue
			}
		}
		out = append(out, prob)
	}
	return out
}

// assembleTransaction orders a [Resolution] into the raw step list spec.md
// §4.8/§5 expect: erasures first, then installs in dependency order (a
// dependency installed before anything that requires it).
//
// res.Install is in pick order: the engine selects a requirer before it
// ever looks at that requirer's own Requires, so a dependency's Want is
// always enqueued (and therefore picked) strictly after its requirer. Pick
// order is thus requirer-before-dependency; reversing it yields
// dependency-before-requirer, which is what "installs in dependency order"
// (spec.md §4.7) means.
func assembleTransaction(res Resolution) tdnf.Transaction {
	var t tdnf.Transaction
	for _, pk := range res.Erase {
		t.Steps = append(t.Steps, tdnf.Step{Action: tdnf.StepErase, Target: pk})
	}
	for i := len(res.Install) - 1; i >= 0; i-- {
		pk := res.Install[i]
		auto := !res.UserRequested[pk.Name+"."+pk.Arch]
		t.Steps = append(t.Steps, tdnf.Step{Action: tdnf.StepInstall, Target: pk, Auto: auto})
	}
	return t
}
