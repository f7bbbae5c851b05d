// Package executor implements the Transaction Executor (component C11):
// given a classified plan, it acquires the Instance Lock, downloads and
// verifies every install step's RPM, optionally checks GPG signatures,
// hands the ordered step list to an RPM backend as one atomic transaction,
// and commits or aborts the History Store record to match.
//
// Grounded on quay-claircore's updater driver (lock -> fetch -> verify ->
// apply -> record, each phase returning early on the first hard failure)
// and its rpm.HeaderReader small-interface-plus-fake pattern for the
// backend boundary.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/history"
	"github.com/opentdnf/tdnf-go/internal/blobstore"
	"github.com/opentdnf/tdnf-go/internal/instancelock"
	"github.com/opentdnf/tdnf-go/internal/obs"
	"github.com/opentdnf/tdnf-go/internal/rpmcrypto"
	"github.com/opentdnf/tdnf-go/repo"
)

// RPMBackend is the boundary to the actual RPM database: installing,
// erasing, and enumerating packages. Tests satisfy it with an in-memory
// fake instead of touching a real RPM database.
type RPMBackend interface {
	// Apply runs every step as one atomic transaction, reporting progress
	// to reporter as it goes. On any step's failure the backend must have
	// already rolled back every change it made in this call. When testOnly
	// is set the backend must validate the transaction (dependency and
	// file-conflict checks, disk space) without mutating anything, mirroring
	// rpm's TEST transaction flag.
	Apply(ctx context.Context, steps []tdnf.Step, testOnly bool, reporter ProgressReporter) error
	// Enumerate lists the packages the backend currently considers
	// installed, used to build the installed-before snapshot the
	// Classifier consults.
	Enumerate(ctx context.Context) ([]tdnf.Package, error)
}

// ProgressReporter receives per-file and per-script progress events during
// Apply; nil is a valid, silent reporter.
type ProgressReporter interface {
	FileProgress(nevra string, action tdnf.StepAction, done, total int64)
	ScriptStart(nevra, script string)
}

// AskImportKey is consulted once for every install step whose repo has
// gpgcheck enabled and lists gpgkey URLs; the keyring is not checked first,
// so it is asked even when the key is already imported. Returning false
// fails the transaction with [tdnf.ErrNoKey] (spec.md §4.10 step 3).
type AskImportKey func(ctx context.Context, repoID string, keyURLs []string) bool

// Options configure one Execute call. Whether unneeded auto-installed
// packages are appended to the plan (clean_requirements_on_remove,
// --noautoremove) is the caller's decision, made via
// [transaction.ComputeUnneeded] before Execute is ever called; by the time
// a [tdnf.Plan] reaches here every step it should apply is already in it.
type Options struct {
	TestOnly      bool // run the backend in test mode and return without mutation
	NoGPGCheck    bool
	SkipSignature bool
	SkipDigest    bool
	MaxParallel   int // download concurrency; 0 defaults to 4
}

// Executor is the Transaction Executor, bound to its collaborators.
type Executor struct {
	Lock     *instancelock.Lock
	Store    *blobstore.Store
	Crypto   *rpmcrypto.Service
	History  *history.Store
	Backend  RPMBackend
	AskKey   AskImportKey
	Reporter ProgressReporter

	// Client downloads package artifacts; defaults to a 30s-timeout client
	// on first use, matching internal/fetch.New's default.
	Client *http.Client

	// Plugin receives a KernelInstallEvent for every install step
	// IsKernelPackage reports true for, in place of the original's
	// mvkernel plugin. Nil (the default) fires nothing.
	Plugin          tdnf.Plugin
	IsKernelPackage func(name string) bool
}

func (e *Executor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Execute runs the five-step sequence of spec.md §4.10 against plan,
// returning the committed history record id on success.
func (e *Executor) Execute(ctx context.Context, repos *repo.Set, cmdline string, plan tdnf.Plan, opt Options) (int64, error) {
	ctx, span := obs.Tracer().Start(ctx, "executor.Execute")
	defer span.End()

	mode := instancelock.Write
	release, err := e.Lock.Acquire(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("executor: acquire lock: %w", err)
	}
	defer release()

	if opt.TestOnly {
		return 0, e.Backend.Apply(ctx, rawStepsOf(plan), true, nopReporter{})
	}

	if err := ctx.Err(); err != nil {
		return 0, &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "executor.Execute", Inner: tdnf.ErrInterrupted}
	}

	installSteps := installStepsOf(plan)
	if err := e.download(ctx, repos, installSteps, opt); err != nil {
		return 0, err
	}

	if err := checkCancel(ctx); err != nil {
		return 0, err
	}

	if !opt.NoGPGCheck && !opt.SkipSignature {
		if err := e.verifySignatures(ctx, repos, installSteps); err != nil {
			return 0, err
		}
	}

	if err := checkCancel(ctx); err != nil {
		return 0, err
	}

	id, err := e.History.Begin(ctx, cmdline)
	if err != nil {
		return 0, fmt.Errorf("executor: begin history record: %w", err)
	}

	allSteps := rawStepsOf(plan)
	reporter := e.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	if err := e.Backend.Apply(ctx, allSteps, false, reporter); err != nil {
		if abortErr := e.History.Abort(ctx); abortErr != nil {
			obs.Logger(ctx).ErrorContext(ctx, "history abort failed after backend error", "err", abortErr)
		}
		obs.M().TransactionOutcomes.WithLabelValues("backend-failure").Inc()
		return 0, &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "executor.Execute", Inner: err}
	}

	if err := e.recordSteps(ctx, plan); err != nil {
		return 0, err
	}
	if err := e.History.Commit(ctx); err != nil {
		return 0, fmt.Errorf("executor: commit history record: %w", err)
	}
	obs.M().TransactionOutcomes.WithLabelValues("success").Inc()
	return id, nil
}

func checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrTransaction, Op: "executor.checkCancel", Inner: tdnf.ErrInterrupted}
	}
	return nil
}

func installStepsOf(plan tdnf.Plan) []tdnf.ClassifiedStep {
	var out []tdnf.ClassifiedStep
	for _, s := range plan.Steps {
		if s.Step.Action == tdnf.StepInstall {
			out = append(out, s)
		}
	}
	return out
}

func rawStepsOf(plan tdnf.Plan) []tdnf.Step {
	out := make([]tdnf.Step, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Step)
	}
	return out
}

// download fetches and checksum-verifies every install step's RPM not
// already cached, bounded by opt.MaxParallel concurrent transfers (spec.md
// §4.10 step 2). The per-repo base URL is assumed already resolved by the
// Metadata Fetcher; this phase only fetches package artifacts.
func (e *Executor) download(ctx context.Context, repos *repo.Set, steps []tdnf.ClassifiedStep, opt Options) error {
	limit := opt.MaxParallel
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, cs := range steps {
		cs := cs
		pk := cs.Step.Target
		cfg := repos.Get(pk.RepoID)
		if cfg == nil {
			continue // command-line RPM: already on disk, nothing to fetch
		}
		g.Go(func() error {
			return e.downloadOne(gctx, cfg, pk, opt)
		})
	}
	return g.Wait()
}

func (e *Executor) downloadOne(ctx context.Context, cfg *repo.Config, pk tdnf.Package, opt Options) error {
	url := joinURL(cfg.ResolvedURL, pk.Location)
	if path, ok := e.Store.Get(cfg.ID, url, blobstore.KindPackages); ok {
		if opt.SkipDigest || pk.ChecksumType == "" {
			return nil
		}
		if err := e.Crypto.VerifyDigest(path, rpmcrypto.BytesToHex(pk.Checksum), rpmcrypto.Algorithm(pk.ChecksumType)); err == nil {
			return nil // already cached and intact
		}
	}

	body, err := e.fetch(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	path, err := e.Store.Put(cfg.ID, url, blobstore.KindPackages, body)
	if err != nil {
		return err
	}

	if !opt.SkipDigest && pk.ChecksumType != "" {
		if err := e.Crypto.VerifyDigest(path, rpmcrypto.BytesToHex(pk.Checksum), rpmcrypto.Algorithm(pk.ChecksumType)); err != nil {
			if rmErr := e.Store.Remove(cfg.ID, url, blobstore.KindPackages); rmErr != nil {
				obs.Logger(ctx).ErrorContext(ctx, "failed to evict corrupt download", "repo", cfg.ID, "url", url, "err", rmErr)
			}
			return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "executor.downloadOne", Inner: tdnf.ErrChecksumMismatch, Message: pk.NEVRA.String()}
		}
	}
	return nil
}

// verifySignatures runs, for every install step whose repo has gpgcheck
// enabled, a check that the RPM is in the Blob Store and then the AskKey
// prompt (spec.md §4.10 step 3). It does not verify the RPM's signature
// itself.
func (e *Executor) verifySignatures(ctx context.Context, repos *repo.Set, steps []tdnf.ClassifiedStep) error {
	for _, cs := range steps {
		pk := cs.Step.Target
		cfg := repos.Get(pk.RepoID)
		if cfg == nil || !cfg.GPGCheck {
			continue
		}
		url := joinURL(cfg.ResolvedURL, pk.Location)
		if _, ok := e.Store.Get(cfg.ID, url, blobstore.KindPackages); !ok {
			return &tdnf.Error{Kind: tdnf.ErrIO, Op: "executor.verifySignatures", Message: pk.NEVRA.String() + ": not downloaded"}
		}
		// The RPM's signature is embedded in the header, unlike repomd's
		// detached .asc; verification of the embedded signature is the RPM
		// backend's own concern once handed the file. This phase only
		// asks for the repo's keys through AskKey up front, so that step
		// can't stall on stdin.
		if err := e.ensureKeyImported(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) ensureKeyImported(ctx context.Context, cfg *repo.Config) error {
	// The Crypto Service's keyring check happens at the point the backend
	// actually verifies the embedded signature; here AskKey is only asked
	// up front, without looking at the keyring, so that step cannot stall
	// on stdin.
	if e.AskKey == nil {
		return nil
	}
	if len(cfg.GPGKeys) == 0 {
		return nil
	}
	ok := e.AskKey(ctx, cfg.ID, cfg.GPGKeys)
	if !ok {
		return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "executor.ensureKeyImported", Inner: tdnf.ErrNoKey, Message: cfg.ID}
	}
	return nil
}

// recordSteps appends one history entry per step in plan: an erase
// (including Obsoleted/RemovedByDowngrade/Unneeded) records a removal, an
// install records an addition with the auto flag the solver attached to
// the step (true when the package was pulled in only to satisfy another
// package's Requires, false when some job named it directly).
func (e *Executor) recordSteps(ctx context.Context, plan tdnf.Plan) error {
	for _, cs := range plan.Steps {
		switch cs.Step.Action {
		case tdnf.StepErase:
			if err := e.History.RecordRemove(ctx, cs.Step.Target.NEVRA); err != nil {
				return err
			}
		case tdnf.StepInstall:
			if err := e.History.RecordAdd(ctx, cs.Step.Target.NEVRA, cs.Step.Auto); err != nil {
				return err
			}
			if e.IsKernelPackage != nil && e.IsKernelPackage(cs.Step.Target.Name) {
				if err := tdnf.FirePlugin(ctx, e.Plugin, tdnf.KernelInstallEvent{Target: cs.Step.Target}); err != nil {
					return fmt.Errorf("plugin: kernel_install: %w", err)
				}
			}
		}
	}
	return nil
}

type nopReporter struct{}

func (nopReporter) FileProgress(string, tdnf.StepAction, int64, int64) {}
func (nopReporter) ScriptStart(string, string)                        {}

func joinURL(base, rel string) string {
	if base == "" {
		return rel
	}
	if base[len(base)-1] == '/' {
		return base + rel
	}
	return base + "/" + rel
}

func (e *Executor) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "executor.fetch", Inner: err, Message: url}
	}
	res, err := e.client().Do(req)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "executor.fetch", Inner: err, Message: url}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "executor.fetch", Message: fmt.Sprintf("%s: %s", url, res.Status)}
	}
	return res.Body, nil
}
