// Command tdnf is a thin CLI that wires this module's core API together:
// load config, fetch repo metadata into a pool, resolve a job, classify
// and execute the resulting plan, and read back history. It exists for
// integration testing of the core packages, not as a drop-in replacement
// for tdnf's real command-line surface (argument parsing, plugins, and
// the ".repo"/".conf" INI format are all out of scope — see errors.go's
// package doc).
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/config"
	"github.com/opentdnf/tdnf-go/executor"
	"github.com/opentdnf/tdnf-go/history"
	"github.com/opentdnf/tdnf-go/internal/blobstore"
	"github.com/opentdnf/tdnf-go/internal/fetch"
	"github.com/opentdnf/tdnf-go/internal/instancelock"
	"github.com/opentdnf/tdnf-go/internal/obs"
	"github.com/opentdnf/tdnf-go/internal/rpmcrypto"
	"github.com/opentdnf/tdnf-go/pool"
	"github.com/opentdnf/tdnf-go/repo"
	"github.com/opentdnf/tdnf-go/solver"
	"github.com/opentdnf/tdnf-go/transaction"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tdnf:", err)
		os.Exit(1)
	}
}

// globalFlags mirrors the subset of spec.md §6's global flag list this
// demonstration glue actually consumes.
type globalFlags struct {
	installroot string
	assumeyes   bool
	nogpgcheck  bool
	skipdigest  bool
	testonly    bool
	verbose     bool
	quiet       bool
	json        bool
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tdnf [flags] <install|remove|upgrade|history> ...")
	}

	fs := flag.NewFlagSet("tdnf", flag.ContinueOnError)
	gf := globalFlags{}
	fs.StringVar(&gf.installroot, "installroot", "/", "install root")
	fs.BoolVar(&gf.assumeyes, "assumeyes", false, "assume yes to all prompts")
	fs.BoolVar(&gf.nogpgcheck, "nogpgcheck", false, "disable gpg signature checks")
	fs.BoolVar(&gf.skipdigest, "skipdigest", false, "skip artifact checksum verification")
	fs.BoolVar(&gf.testonly, "testonly", false, "resolve and report, but do not apply")
	fs.BoolVar(&gf.verbose, "v", false, "verbose logging")
	fs.BoolVar(&gf.quiet, "q", false, "quiet logging")
	fs.BoolVar(&gf.json, "json", false, "structured log output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	logger := obs.NewLogger(os.Stderr, gf.quiet, gf.verbose, gf.json)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = obs.WithLogger(ctx, logger)

	env, err := newEnvironment(gf)
	if err != nil {
		return err
	}
	defer env.Close()

	switch cmd {
	case "install", "upgrade", "downgrade", "remove", "reinstall", "autoremove":
		return env.runTransaction(ctx, cmd, cmdArgs, gf)
	case "history":
		return env.runHistory(ctx, cmdArgs)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// environment bundles every collaborator a single command invocation
// needs, built once from defaulted configuration.
type environment struct {
	cfg     *config.Main
	repos   *repo.Set
	pool    *pool.Pool
	solver  *solver.Solver
	fetcher *fetch.Fetcher
	exec    *executor.Executor
	hist    *history.Store
	lock    *instancelock.Lock
	store   *blobstore.Store
}

// newEnvironment wires every core package together the way a real CLI
// frontend would, starting from an empty RawConfig: reading and parsing
// an actual ".conf"/".repo" file is the external parser's job this
// demonstration glue does not perform (see config.RawConfig's doc).
func newEnvironment(gf globalFlags) (*environment, error) {
	mainCfg, err := config.NewMain(config.RawConfig{})
	if err != nil {
		return nil, err
	}

	repos, err := config.NewRepoSet(config.RawConfig{}, mainCfg, config.NoVars)
	if err != nil {
		return nil, err
	}

	store, err := blobstore.New(mainCfg.CacheDir)
	if err != nil {
		return nil, err
	}

	lock, err := instancelock.New(mainCfg.CacheDir + "/tdnf.lock")
	if err != nil {
		return nil, err
	}

	crypto := rpmcrypto.NewService(false, nil)

	hist, err := history.Open(mainCfg.CacheDir + "/history.sqlite")
	if err != nil {
		lock.Close()
		return nil, err
	}

	p := pool.New()
	p.ApplyExcludes(mainCfg.Excludes)
	p.SetRootdir(gf.installroot)

	s := solver.New(p, repos, mainCfg.ProtectedPackages)

	kernelPkgs := make(map[string]bool, len(mainCfg.InstallOnlyPkgs))
	for _, n := range mainCfg.InstallOnlyPkgs {
		kernelPkgs[n] = true
	}

	ex := &executor.Executor{
		Lock:            lock,
		Store:           store,
		Crypto:          crypto,
		History:         hist,
		Backend:         &loggingBackend{},
		IsKernelPackage: func(name string) bool { return kernelPkgs[name] },
	}

	return &environment{
		cfg:     mainCfg,
		repos:   repos,
		pool:    p,
		solver:  s,
		fetcher: fetch.New(store, crypto),
		exec:    ex,
		hist:    hist,
		lock:    lock,
		store:   store,
	}, nil
}

func (e *environment) Close() {
	e.hist.Close()
	e.lock.Close()
}

// loggingBackend is a demonstration [executor.RPMBackend]: it reports
// every step but never touches an actual RPM database, since that remains
// an external collaborator's job per errors.go's package doc. A real
// frontend would substitute a backend backed by librpm or a similar
// transaction set.
type loggingBackend struct {
	installed []tdnf.Package
}

func (b *loggingBackend) Apply(ctx context.Context, steps []tdnf.Step, testOnly bool, reporter executor.ProgressReporter) error {
	for _, s := range steps {
		reporter.FileProgress(s.Target.NEVRA.String(), s.Action, 1, 1)
		obs.Logger(ctx).InfoContext(ctx, "apply step", "action", s.Action, "nevra", s.Target.NEVRA.String(), "auto", s.Auto, "test_only", testOnly)
		if testOnly {
			continue
		}
		switch s.Action {
		case tdnf.StepInstall:
			b.installed = append(b.installed, s.Target)
		case tdnf.StepErase:
			for i, pk := range b.installed {
				if pk.NEVRA == s.Target.NEVRA {
					b.installed = append(b.installed[:i], b.installed[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

func (b *loggingBackend) Enumerate(ctx context.Context) ([]tdnf.Package, error) {
	return b.installed, nil
}

// cliReporter renders progress to stderr.
type cliReporter struct{}

func (cliReporter) FileProgress(nevra string, action tdnf.StepAction, done, total int64) {
	fmt.Fprintf(os.Stderr, "%s %s (%d/%d)\n", verb(action), nevra, done, total)
}

func (cliReporter) ScriptStart(nevra, script string) {
	fmt.Fprintf(os.Stderr, "running %s script for %s\n", script, nevra)
}

func verb(a tdnf.StepAction) string {
	if a == tdnf.StepErase {
		return "erasing"
	}
	return "installing"
}

var actionByCommand = map[string]tdnf.Action{
	"install":    tdnf.ActionInstall,
	"upgrade":    tdnf.ActionUpgrade,
	"downgrade":  tdnf.ActionDowngrade,
	"remove":     tdnf.ActionErase,
	"reinstall":  tdnf.ActionReinstall,
	"autoremove": tdnf.ActionAutoremove,
}

func (e *environment) runTransaction(ctx context.Context, cmd string, selectors []string, gf globalFlags) error {
	action, ok := actionByCommand[cmd]
	if !ok {
		return fmt.Errorf("unknown transaction command %q", cmd)
	}
	if action != tdnf.ActionAutoremove && len(selectors) == 0 {
		return fmt.Errorf("%s requires at least one package selector", cmd)
	}

	results, err := e.fetcher.FetchAll(ctx, e.repos, fetch.Options{NoGPGCheck: gf.nogpgcheck, SkipDigest: gf.skipdigest})
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}
	for repoID, res := range results {
		if loaded, err := e.loadSolvCache(repoID, res.Cookie); err != nil {
			return fmt.Errorf("solv cache %s: %w", repoID, err)
		} else if loaded {
			continue
		}

		f, err := os.Open(res.PrimaryPath)
		if err != nil {
			return err
		}
		err = e.pool.AddRepo(repoID, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("index %s: %w", repoID, err)
		}

		if err := e.saveSolvCache(repoID, res.Cookie); err != nil {
			return fmt.Errorf("solv cache %s: %w", repoID, err)
		}
	}

	installed, err := e.exec.Backend.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate installed set: %w", err)
	}
	e.pool.AddInstalled(installed)

	var jobs []tdnf.Job
	for _, sel := range selectors {
		jobs = append(jobs, tdnf.Job{Selector: sel, SelectorKind: tdnf.SelectAuto, Action: action})
	}
	if action == tdnf.ActionAutoremove {
		jobs = append(jobs, tdnf.Job{SelectorKind: tdnf.SelectAll, Action: tdnf.ActionAutoremove})
	}

	flags := tdnf.Flags{CleanRequirementsOnRemove: e.cfg.CleanRequirementsOnRemove}
	tx, err := e.solver.Resolve(ctx, tdnf.ResolveRequest{Jobs: jobs, Flags: flags})
	if err != nil {
		if problems := solver.Problems(err); problems != nil {
			for _, p := range problems {
				fmt.Fprintf(os.Stderr, "problem: %s %s\n", p.Kind, p.Detail)
			}
		}
		return err
	}

	plan := transaction.Classify(ctx, installed, tx, transaction.Options{DistroSync: action == tdnf.ActionDistroSync})
	if e.cfg.CleanRequirementsOnRemove {
		stillInstalled := remaining(installed, plan)
		plan.Steps = append(plan.Steps, transaction.ComputeUnneeded(stillInstalled, e.isAuto(ctx))...)
	}

	if len(plan.Steps) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to do")
		return nil
	}
	for _, s := range plan.Steps {
		fmt.Fprintf(os.Stderr, "%-10s %s\n", s.Category, s.Step.Target.NEVRA)
	}
	if !gf.assumeyes && !gf.testonly {
		fmt.Fprint(os.Stderr, "proceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			return nil
		}
	}

	e.exec.Reporter = cliReporter{}
	cmdline := cmd + " " + fmt.Sprint(selectors)
	id, err := e.exec.Execute(ctx, e.repos, cmdline, plan, executor.Options{
		TestOnly:   gf.testonly,
		NoGPGCheck: gf.nogpgcheck,
		SkipDigest: gf.skipdigest,
	})
	if err != nil {
		return err
	}
	if !gf.testonly {
		fmt.Printf("transaction %d complete\n", id)
	}
	return nil
}

// loadSolvCache attempts to reload repoID's packages from its solv cache
// (spec.md §4.4 step 5) instead of reparsing primary.xml. It reports false,
// nil whenever no usable cache is present, including a cookie mismatch,
// so the caller falls back to the freshly fetched XML.
func (e *environment) loadSolvCache(repoID string, cookie [32]byte) (bool, error) {
	path, ok := e.store.Get(repoID, blobstore.SolvCacheKey(repoID), blobstore.KindSolvCache)
	if !ok {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return e.pool.DecodeRepo(repoID, f, cookie)
}

// saveSolvCache persists repoID's just-loaded packages as a solv cache
// keyed by cookie, so a later run with an unchanged repomd.xml can skip
// XML parsing entirely via [environment.loadSolvCache].
func (e *environment) saveSolvCache(repoID string, cookie [32]byte) error {
	var buf bytes.Buffer
	if err := e.pool.EncodeRepo(repoID, cookie, &buf); err != nil {
		return err
	}
	_, err := e.store.Put(repoID, blobstore.SolvCacheKey(repoID), blobstore.KindSolvCache, &buf)
	return err
}

// remaining computes the installed-after-plan set the autoremove oracle
// needs: everything installed before minus what this plan erases.
func remaining(installed []tdnf.Package, plan tdnf.Plan) []tdnf.Package {
	erased := make(map[string]bool)
	for _, s := range plan.Steps {
		if s.Step.Action == tdnf.StepErase {
			erased[s.Step.Target.Name+"."+s.Step.Target.Arch] = true
		}
	}
	out := make([]tdnf.Package, 0, len(installed))
	for _, pk := range installed {
		if !erased[pk.Name+"."+pk.Arch] {
			out = append(out, pk)
		}
	}
	return out
}

func (e *environment) isAuto(ctx context.Context) func(name string) bool {
	return func(name string) bool {
		auto, present, err := e.hist.GetAutoFlag(ctx, name)
		if err != nil || !present {
			return false
		}
		return auto
	}
}

func (e *environment) runHistory(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return e.historyList(ctx)
	}
	switch args[0] {
	case "list", "":
		return e.historyList(ctx)
	case "undo", "redo", "rollback":
		if len(args) < 2 {
			return fmt.Errorf("history %s requires a transaction id", args[0])
		}
		var id int64
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			return fmt.Errorf("invalid transaction id %q", args[1])
		}
		var jobs []tdnf.Job
		var err error
		switch args[0] {
		case "undo":
			jobs, err = e.hist.PlanUndo(ctx, id)
		case "redo":
			jobs, err = e.hist.PlanRedo(ctx, id)
		case "rollback":
			jobs, err = e.hist.PlanRollback(ctx, id)
		}
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%v %s\n", j.Action, j.Selector)
		}
		return nil
	default:
		return fmt.Errorf("unknown history subcommand %q", args[0])
	}
}

func (e *environment) historyList(ctx context.Context) error {
	recs, err := e.hist.List(ctx, 0, 0, true)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%d\t%s\t%s\n", r.ID, r.Time.Format(time.RFC3339), r.Cmdline)
	}
	return nil
}
