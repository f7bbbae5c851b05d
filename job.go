package tdnf

// SelectorKind distinguishes how a job's target string should be
// interpreted, per the selector semantics in the design document.
type SelectorKind int

const (
	// SelectAuto tries, in order: NEVRA equality, name+arch+EVR, name glob,
	// capability (including file paths), then retries case-insensitively.
	SelectAuto SelectorKind = iota
	SelectNEVRA
	SelectName
	SelectProvides
	SelectFile
	SelectAll
)

// Action is the user-facing verb a [Job] requests.
type Action int

const (
	ActionInstall Action = iota
	ActionUpgrade
	ActionDowngrade
	ActionDistroSync
	ActionErase
	ActionReinstall
	ActionMarkUserInstalled
	ActionMarkRemove
	ActionAutoremove
)

// Job is one solver input: a selector plus the action to take on whatever it
// matches.
type Job struct {
	Selector     string
	SelectorKind SelectorKind
	Action       Action
}

// Flags are resolve-wide toggles, independent of any single job.
type Flags struct {
	Best                      bool // prefer newest EVR even if it requires backtracking
	AllowErasing              bool // allow removing packages to resolve conflicts
	NoDeps                    bool // ignore dependency requirements entirely
	SkipBroken                bool // drop jobs that can't be resolved and keep the rest (no second solve)
	SkipConflicts             bool // filter PKG_CONFLICTS / PKG_SELF_CONFLICT problems
	SkipObsoletes             bool // don't let Obsoletes remove installed packages
	SkipDisabled              bool // filter every PKG_NOT_INSTALLABLE problem, excluded candidate or not
	CleanRequirementsOnRemove bool // classify orphaned auto deps as Unneeded
	NoAutoremove              bool // not read by the solver or cmd/tdnf; Unneeded steps are not suppressed by it
}

// ResolveRequest bundles the jobs and flags passed to the solver for a
// single resolve call.
type ResolveRequest struct {
	Jobs  []Job
	Flags Flags
}
