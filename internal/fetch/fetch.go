// Package fetch implements the Metadata Fetcher (component C5): for each
// enabled repository, resolving a working base URL, downloading repomd.xml
// and the artifacts it references, verifying their checksums (and
// optionally the repomd signature), and unpacking compressed artifacts into
// the Blob Store.
//
// Grounded on quay-claircore's rhel/vex.Fetch (net/http request/response
// plumbing, spooling to a temp location before committing) and
// aws.Client.RepoMD (decoding a repomd-shaped XML document straight into a
// small struct, trying candidate URLs in order).
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/internal/blobstore"
	"github.com/opentdnf/tdnf-go/internal/obs"
	"github.com/opentdnf/tdnf-go/internal/rpmcrypto"
	"github.com/opentdnf/tdnf-go/repo"
)

// Options are the global flags (spec.md §6) affecting every repo fetched in
// a run.
type Options struct {
	Refresh       bool // force a network check regardless of metadata_expire
	CacheOnly     bool // never touch the network; fail if cache is absent
	NoGPGCheck    bool // skip repo_gpgcheck even if the repo config asks for it
	SkipSignature bool
	SkipDigest    bool
}

// Result is what the fetcher resolved for one repo: paths into the Blob
// Store for each artifact it fetched (or found fresh in cache).
type Result struct {
	ResolvedURL    string
	PrimaryPath    string
	FilelistsPath  string
	UpdateinfoPath string
	OtherPath      string
	// Cookie is the solv-cache cookie (spec.md §4.4 step 5): a digest of the
	// repomd.xml bytes, compared on the next run to decide whether the
	// binary pool cache can be reused without reparsing XML.
	Cookie [32]byte
}

// Fetcher is the Metadata Fetcher, bound to a Blob Store, a Crypto Service,
// and an HTTP client shared across repos.
type Fetcher struct {
	Client *http.Client
	Store  *blobstore.Store
	Crypto *rpmcrypto.Service

	// Plugin receives a RepoMdDownloadEndEvent after each repo's metadata
	// finishes downloading, mirroring the original's metalink plugin hook.
	// Nil (the default) fires nothing.
	Plugin tdnf.Plugin
}

// New returns a Fetcher with a default client timeout; callers needing
// per-repo proxy/TLS settings construct their own *http.Client per call to
// FetchRepo via cfg.Timeout/Proxy/SSL* instead.
func New(store *blobstore.Store, crypto *rpmcrypto.Service) *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: 30 * time.Second},
		Store:  store,
		Crypto: crypto,
	}
}

// FetchAll fetches every enabled repo in s, in configuration order
// (spec.md §4.4's "in dependency order" — this module treats that as
// configuration order since cross-repo ordering dependencies are an
// external plugin's concern). A repo with SkipIfUnavailable set does not
// fail the whole call; its error is recorded and it's simply absent from
// the returned map.
func (f *Fetcher) FetchAll(ctx context.Context, s *repo.Set, opt Options) (map[string]*Result, error) {
	results := make(map[string]*Result)
	for _, cfg := range s.Enabled() {
		r, err := f.FetchRepo(ctx, cfg, opt)
		if err != nil {
			if cfg.SkipIfUnavailable {
				obs.Logger(ctx).WarnContext(ctx, "skipping unavailable repo", "repo", cfg.ID, "err", err)
				continue
			}
			return results, fmt.Errorf("fetch %s: %w", cfg.ID, err)
		}
		results[cfg.ID] = r
	}
	return results, nil
}

// FetchRepo runs the five-step fetch for one repo (spec.md §4.4).
func (f *Fetcher) FetchRepo(ctx context.Context, cfg *repo.Config, opt Options) (*Result, error) {
	ctx, span := obs.Tracer().Start(ctx, "fetch.FetchRepo")
	defer span.End()
	start := time.Now()
	defer func() { obs.M().FetchDuration.WithLabelValues(cfg.ID, "repo").Observe(time.Since(start).Seconds()) }()

	if fresh, r := f.cacheFresh(cfg, opt); fresh {
		return r, nil
	}
	if opt.CacheOnly {
		return nil, &tdnf.Error{Kind: tdnf.ErrCache, Op: "fetch.FetchRepo", Inner: tdnf.ErrCacheDisabled, Message: cfg.ID}
	}

	base, err := f.resolveBaseURL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repomdPath, repomdBytes, err := f.fetchRepomd(ctx, cfg, base)
	if err != nil {
		return nil, err
	}

	if cfg.RepoGPGCheck && !opt.NoGPGCheck && !opt.SkipSignature {
		if err := f.verifyRepomdSignature(ctx, cfg, base, repomdPath); err != nil {
			return nil, err
		}
	}

	var md Repomd
	if err := xml.Unmarshal(repomdBytes, &md); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIO, Op: "fetch.FetchRepo", Inner: err, Message: "repomd.xml"}
	}

	res := &Result{ResolvedURL: base, Cookie: sha256.Sum256(repomdBytes)}

	primary := md.find("primary")
	if primary == nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.FetchRepo", Inner: tdnf.ErrNoBaseURL, Message: "repomd.xml names no primary artifact"}
	}
	res.PrimaryPath, err = f.fetchArtifact(ctx, cfg, base, primary, opt)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	optional := []struct {
		typ  string
		skip bool
		dst  *string
	}{
		{"filelists", cfg.SkipMDFilelists, &res.FilelistsPath},
		{"updateinfo", cfg.SkipMDUpdateinfo, &res.UpdateinfoPath},
		{"other", cfg.SkipMDOther, &res.OtherPath},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range optional {
		a := a
		if a.skip {
			continue
		}
		d := md.find(a.typ)
		if d == nil {
			continue // 404-equivalent on an optional artifact is not fatal
		}
		g.Go(func() error {
			p, err := f.fetchArtifact(gctx, cfg, base, d, opt)
			if err != nil {
				return fmt.Errorf("%s: %w", a.typ, err)
			}
			*a.dst = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cfg.CachePath = blobstore.RepoDir(cfg.ID, base)
	cfg.HasMetadata = true
	cfg.ResolvedURL = base

	if err := tdnf.FirePlugin(ctx, f.Plugin, tdnf.RepoMdDownloadEndEvent{
		RepoID: cfg.ID,
		Dir:    cfg.CachePath,
		URL:    base,
		File:   res.PrimaryPath,
	}); err != nil {
		return nil, fmt.Errorf("plugin: repo_md_download_end: %w", err)
	}
	return res, nil
}

// cacheFresh reports whether cfg's cached repomd.xml is still within
// MetadataExpire and --refresh was not requested (spec.md §4.4 freshness
// policy), and its primary artifact is cached too. When fresh, it returns a
// Result holding the cached primary path and the cookie of the cached
// repomd.xml; the optional artifact paths are left empty.
func (f *Fetcher) cacheFresh(cfg *repo.Config, opt Options) (bool, *Result) {
	if opt.Refresh || cfg.ResolvedURL == "" {
		return false, nil
	}
	repomdPath, ok := f.Store.Get(cfg.ID, repomdURL(cfg.ResolvedURL), blobstore.KindMetadata)
	if !ok {
		return false, nil
	}
	mtime, err := statMtime(repomdPath)
	if err != nil || time.Since(mtime) > cfg.MetadataExpire {
		return false, nil
	}
	fh, err := openFile(repomdPath)
	if err != nil {
		return false, nil
	}
	data, err := io.ReadAll(fh)
	fh.Close()
	var md Repomd
	if err != nil || xml.Unmarshal(data, &md) != nil || md.find("primary") == nil {
		return false, nil
	}
	primaryKey := trimCompressionSuffix(joinURL(cfg.ResolvedURL, md.find("primary").Location.Href))
	primaryPath, ok := f.Store.Get(cfg.ID, primaryKey, blobstore.KindMetadata)
	if !ok {
		return false, nil
	}
	return true, &Result{ResolvedURL: cfg.ResolvedURL, PrimaryPath: primaryPath, Cookie: sha256.Sum256(data)}
}

// resolveBaseURL tries each configured baseurl in order, retaining the
// first that yields a reachable repomd.xml (spec.md §4.4 step 1).
func (f *Fetcher) resolveBaseURL(ctx context.Context, cfg *repo.Config) (string, error) {
	for _, base := range cfg.BaseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, repomdURL(base), nil)
		if err != nil {
			continue
		}
		res, err := f.Client.Do(req)
		if err != nil {
			continue
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			return base, nil
		}
	}
	if cfg.Metalink != "" || cfg.Mirrorlist != "" {
		return "", &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.resolveBaseURL", Inner: tdnf.ErrNoBaseURL, Message: cfg.ID + ": metalink/mirrorlist resolution is an external plugin's concern"}
	}
	return "", &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.resolveBaseURL", Inner: tdnf.ErrNoBaseURL, Message: cfg.ID}
}

// repomdURL builds the repomd.xml URL for a resolved repo base, as both
// the network target and the stable Blob Store cache key.
func repomdURL(base string) string { return joinURL(base, "repodata", "repomd.xml") }

func (f *Fetcher) fetchRepomd(ctx context.Context, cfg *repo.Config, base string) (path string, data []byte, err error) {
	target := repomdURL(base)
	body, err := f.get(ctx, target)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()
	data, err = io.ReadAll(body)
	if err != nil {
		return "", nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.fetchRepomd", Inner: err, Message: target}
	}
	p, err := f.Store.Put(cfg.ID, target, blobstore.KindMetadata, bytesReader(data))
	if err != nil {
		return "", nil, err
	}
	return p, data, nil
}

func (f *Fetcher) verifyRepomdSignature(ctx context.Context, cfg *repo.Config, base, repomdPath string) error {
	target := joinURL(base, "repodata", "repomd.xml.asc")
	body, err := f.get(ctx, target)
	if err != nil {
		return err
	}
	defer body.Close()
	sigPath, err := f.Store.Put(cfg.ID, target, blobstore.KindMetadata, body)
	if err != nil {
		return err
	}
	return f.Crypto.VerifyDetachedSignature(repomdPath, sigPath, cfg.ID)
}

// fetchArtifact downloads one repomd-referenced artifact, verifies its
// checksum, and decompresses it if the location's extension calls for it.
func (f *Fetcher) fetchArtifact(ctx context.Context, cfg *repo.Config, base string, d *RepomdData, opt Options) (string, error) {
	target := joinURL(base, d.Location.Href)

	body, err := f.get(ctx, target)
	if err != nil {
		return "", err
	}
	defer body.Close()

	rawPath, err := f.Store.Put(cfg.ID, target, blobstore.KindMetadata, body)
	if err != nil {
		return "", err
	}

	if !opt.SkipDigest && d.Checksum.Hex != "" {
		algo := rpmcrypto.Algorithm(d.Checksum.Type)
		if err := f.Crypto.VerifyDigest(rawPath, d.Checksum.Hex, algo); err != nil {
			return "", fmt.Errorf("verify %s: %w", d.Type, err)
		}
	}

	finalPath, err := f.decompress(cfg, target, rawPath)
	if err != nil {
		return "", err
	}

	if !opt.SkipDigest && d.OpenChecksum != nil && d.OpenChecksum.Hex != "" {
		algo := rpmcrypto.Algorithm(d.OpenChecksum.Type)
		if err := f.Crypto.VerifyDigest(finalPath, d.OpenChecksum.Hex, algo); err != nil {
			return "", fmt.Errorf("verify decompressed %s: %w", d.Type, err)
		}
	}
	return finalPath, nil
}

// decompress unpacks rawPath into the Blob Store under a key with the
// compression suffix stripped, when its extension names a known codec;
// otherwise rawPath is returned unchanged.
func (f *Fetcher) decompress(cfg *repo.Config, sourceURL, rawPath string) (string, error) {
	var r io.ReadCloser
	switch {
	case hasSuffix(sourceURL, ".gz"):
		fh, oerr := openFile(rawPath)
		if oerr != nil {
			return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "fetch.decompress", Inner: oerr, Message: rawPath}
		}
		gz, gerr := gzip.NewReader(fh)
		if gerr != nil {
			fh.Close()
			return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "fetch.decompress", Inner: gerr, Message: rawPath}
		}
		r = &closeBoth{Reader: gz, a: gz, b: fh}
	case hasSuffix(sourceURL, ".xz"):
		fh, oerr := openFile(rawPath)
		if oerr != nil {
			return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "fetch.decompress", Inner: oerr, Message: rawPath}
		}
		xzr, xerr := xz.NewReader(fh)
		if xerr != nil {
			fh.Close()
			return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "fetch.decompress", Inner: xerr, Message: rawPath}
		}
		r = &closeBoth{Reader: xzr, a: nil, b: fh}
	default:
		return rawPath, nil
	}
	defer r.Close()

	dstKey := trimCompressionSuffix(sourceURL)
	p, err := f.Store.Put(cfg.ID, dstKey, blobstore.KindMetadata, r)
	if err != nil {
		return "", err
	}
	return p, nil
}

func (f *Fetcher) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.get", Inner: err, Message: u}
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.get", Inner: err, Message: u}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, &tdnf.Error{Kind: tdnf.ErrNetwork, Op: "fetch.get", Message: fmt.Sprintf("%s: %s", u, res.Status)}
	}
	return res.Body, nil
}
