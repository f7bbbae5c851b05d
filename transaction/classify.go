// Package transaction implements the Transaction Classifier (component
// C9): it walks the solver's raw step list and, consulting the installed
// subset, partitions each step into exactly one of the categories spec.md
// §4.8 defines.
package transaction

import (
	"context"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/internal/obs"
)

// Options are the classifier inputs beyond the transaction itself: whether
// a downgrade was user-requested or merely distro-sync-permitted (spec.md
// §4.8 "Downgrade" category's authorization clause).
type Options struct {
	UserRequestedDowngrade map[string]bool // name -> explicitly asked for a downgrade this run
	DistroSync             bool            // distro-sync permits downgrades implicitly
}

// Classify assigns a [tdnf.Category] to every step in t, given the
// installed-before snapshot. installed must be the installed subset as it
// was before t is applied (spec.md §4.8's "consulting the installed
// subset"). Unneeded steps are not computed here: they require an
// auto-flag oracle this package doesn't have access to (the history
// store's), so callers append [ComputeUnneeded]'s result themselves when
// clean_requirements_on_remove applies.
func Classify(ctx context.Context, installed []tdnf.Package, t tdnf.Transaction, opt Options) tdnf.Plan {
	byNameArch := indexByNameArch(installed)
	byObsoletes, byDowngradeErase := classifyEraseCauses(t)

	var plan tdnf.Plan
	for _, step := range t.Steps {
		switch step.Action {
		case tdnf.StepErase:
			plan.Steps = append(plan.Steps, classifyErase(step, byObsoletes, byDowngradeErase))
		case tdnf.StepInstall:
			plan.Steps = append(plan.Steps, classifyInstall(ctx, step, byNameArch, opt))
		}
	}
	return plan
}

func nameArchKey(n tdnf.NEVRA) string { return n.Name + "." + n.Arch }

func indexByNameArch(pkgs []tdnf.Package) map[string]tdnf.Package {
	m := make(map[string]tdnf.Package, len(pkgs))
	for _, pk := range pkgs {
		m[nameArchKey(pk.NEVRA)] = pk
	}
	return m
}

// classifyEraseCauses cross-references every erase step in t against t's
// own install steps to tell an Obsoleted erase (some install's Obsoletes:
// names the victim) from a RemovedByDowngrade erase (some install targets
// the same name+arch at a strictly older EVR) from a plain user Remove.
// The solver itself doesn't annotate erase causes, so this index is
// rebuilt from the transaction's own install/erase pairing.
func classifyEraseCauses(t tdnf.Transaction) (obsoletedBy, downgradeCause map[string]tdnf.NEVRA) {
	obsoletedBy = make(map[string]tdnf.NEVRA)
	downgradeCause = make(map[string]tdnf.NEVRA)

	var installs []tdnf.Package
	for _, step := range t.Steps {
		if step.Action == tdnf.StepInstall {
			installs = append(installs, step.Target)
		}
	}

	for _, step := range t.Steps {
		if step.Action != tdnf.StepErase {
			continue
		}
		erased := step.Target
		for _, ins := range installs {
			switch {
			case obsoletes(ins, erased.NEVRA):
				obsoletedBy[nameArchKey(erased.NEVRA)] = ins.NEVRA
			case ins.Name == erased.Name && ins.Arch == erased.Arch && tdnf.CompareEVR(ins.NEVRA, erased.NEVRA) < 0:
				downgradeCause[nameArchKey(erased.NEVRA)] = ins.NEVRA
			}
		}
	}
	return obsoletedBy, downgradeCause
}

func obsoletes(installer tdnf.Package, victim tdnf.NEVRA) bool {
	for _, d := range installer.Obsoletes {
		if d.Name == victim.Name && d.Satisfies(victim) {
			return true
		}
	}
	return false
}

func classifyErase(step tdnf.Step, obsoletedBy, downgradeCause map[string]tdnf.NEVRA) tdnf.ClassifiedStep {
	key := nameArchKey(step.Target.NEVRA)
	if _, ok := obsoletedBy[key]; ok {
		replaces := step.Target
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryObsoleted, Replaces: &replaces}
	}
	if _, ok := downgradeCause[key]; ok {
		replaces := step.Target
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryRemovedByDowngrade, Replaces: &replaces}
	}
	return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryRemove}
}

// classifyInstall assigns Install/Upgrade/Downgrade/Reinstall by comparing
// the install target's EVR against whatever (if anything) is already
// installed under the same name+arch (spec.md §4.8).
func classifyInstall(ctx context.Context, step tdnf.Step, before map[string]tdnf.Package, opt Options) tdnf.ClassifiedStep {
	key := nameArchKey(step.Target.NEVRA)
	prior, existed := before[key]
	if !existed {
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryInstall}
	}

	c := tdnf.CompareEVR(step.Target.NEVRA, prior.NEVRA)
	priorCopy := prior
	switch {
	case c == 0:
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryReinstall, Replaces: &priorCopy}
	case c > 0:
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryUpgrade, Replaces: &priorCopy}
	default: // c < 0: target is strictly older than what's installed
		if !opt.DistroSync && !opt.UserRequestedDowngrade[step.Target.Name] {
			obs.Logger(ctx).WarnContext(ctx, "install step picked an older EVR without downgrade authorization",
				"package", step.Target.NEVRA.String(), "installed", prior.NEVRA.String())
		}
		return tdnf.ClassifiedStep{Step: step, Category: tdnf.CategoryDowngrade, Replaces: &priorCopy}
	}
}

// ComputeUnneeded returns the subset of stillInstalled (the installed set
// as it stands after applying a plan) that isAuto reports true for and
// that no remaining package's Requires can reach, classified as Unneeded
// erase steps (spec.md §4.8 "Unneeded", §4.9 "orphans"). cmd/tdnf calls
// this with an auto-flag oracle built on history.Store.GetAutoFlag and
// appends the result to the plan before executing, when
// clean_requirements_on_remove is set; --noautoremove is not consulted.
func ComputeUnneeded(stillInstalled []tdnf.Package, isAuto func(name string) bool) []tdnf.ClassifiedStep {
	required := make(map[string]bool)
	for _, pk := range stillInstalled {
		if isAuto(pk.Name) {
			continue
		}
		for _, dep := range pk.Requires {
			required[dep.Name] = true
		}
	}
	var out []tdnf.ClassifiedStep
	for _, pk := range stillInstalled {
		if !isAuto(pk.Name) || required[pk.Name] || requiredByOther(pk, stillInstalled) {
			continue
		}
		target := pk
		out = append(out, tdnf.ClassifiedStep{
			Step:     tdnf.Step{Action: tdnf.StepErase, Target: target},
			Category: tdnf.CategoryUnneeded,
		})
	}
	return out
}

func requiredByOther(target tdnf.Package, installed []tdnf.Package) bool {
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
