// Package blobstore implements the Blob Store (component C1): a cache of
// downloaded files keyed by (repo-id, URL). Files live under
// "<root>/<repoID>/", using the repoID argument exactly as the caller
// passes it; [RepoDir] computes the "<name>-<url-hash>" directory name, but
// Store does not apply it, so a repo ID repointed at a new URL reuses the
// same directory.
//
// Every write goes through a temp file in the repo's tmp/ subdirectory,
// fsync'd and then atomically renamed into place, so concurrent readers
// always see either the previous complete content or none at all, never a
// torn file (spec.md §4.1, §8 "Atomicity").
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	tdnf "github.com/opentdnf/tdnf-go"
)

// Kind names a class of cached content, used by [Store.Clean].
type Kind string

const (
	KindPackages    Kind = "packages"
	KindMetadata    Kind = "metadata"
	KindDBCache     Kind = "dbcache"
	KindSolvCache   Kind = "solvcache"
	KindPlugins     Kind = "plugins"
	KindKeys        Kind = "keys"
	KindExpireCache Kind = "expire-cache"
	KindAll         Kind = "all"
)

// SolvCacheKey is the key [Store.Put]/[Store.Get] use for a repo's solv
// cache file under [KindSolvCache], so the file lands at
// "<root>/<repoID>/solvcache/<repoID>.solv".
func SolvCacheKey(repoID string) string { return repoID + ".solv" }

// Store is a Blob Store rooted at a single cache directory.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.New", Inner: err, Message: root}
	}
	return &Store{root: root}, nil
}

// RepoDir computes the stable per-repo cache directory name:
// "<name>-<first-4-bytes-sha256(url)-hex>", so a repo ID repointed at a new
// URL gets a fresh cache instead of reusing (and potentially serving)
// content cached under the old URL.
func RepoDir(name, url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%s-%s", name, hex.EncodeToString(sum[:4]))
}

func (s *Store) repoRoot(repoID string) string { return filepath.Join(s.root, repoID) }

func (s *Store) subdir(repoID, sub string) string { return filepath.Join(s.repoRoot(repoID), sub) }

// ensureDirs creates the fixed subdirectory layout for a repo on first use.
func (s *Store) ensureDirs(repoID string) error {
	for _, sub := range []string{"repodata", "solvcache", "packages", "keys", "tmp"} {
		if err := os.MkdirAll(s.subdir(repoID, sub), 0o755); err != nil {
			return &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.ensureDirs", Inner: err, Message: sub}
		}
	}
	return nil
}

// subdirFor maps a Kind to the fixed subdirectory it's cached under.
// KindDBCache/KindExpireCache are repodata-adjacent (the repomd mtime
// marker lives beside the XML it was derived from); KindSolvCache gets its
// own sibling directory per spec's persisted state layout.
func subdirFor(k Kind) string {
	switch k {
	case KindPackages:
		return "packages"
	case KindKeys:
		return "keys"
	case KindSolvCache:
		return "solvcache"
	default:
		return "repodata"
	}
}

// pathFor computes the deterministic on-disk path for (repoID, url, kind):
// the Kind's subdirectory, keyed by the URL's base name, so repeated
// fetches of the same artifact land in the same place.
func (s *Store) pathFor(repoID, url string, kind Kind) string {
	return filepath.Join(s.subdir(repoID, subdirFor(kind)), filepath.Base(url))
}

// Put streams r into the cache for (repoID, url) under the given kind's
// subdirectory and returns the final path. The write is atomic: data lands
// in tmp/, is fsync'd, then renamed into place, so a crash mid-write never
// leaves a partial file visible at the final path.
func (s *Store) Put(repoID, url string, kind Kind, r io.Reader) (string, error) {
	if err := s.ensureDirs(repoID); err != nil {
		return "", err
	}
	tmpPath := filepath.Join(s.subdir(repoID, "tmp"), uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Put", Inner: err, Message: tmpPath}
	}
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Put", Inner: err, Message: tmpPath}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Put", Inner: err, Message: tmpPath}
	}
	if err := tmp.Close(); err != nil {
		return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Put", Inner: err, Message: tmpPath}
	}

	final := s.pathFor(repoID, url, kind)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Put", Inner: err, Message: final}
	}
	return final, nil
}

// Get returns the deterministic cache path for (repoID, url, kind). Callers
// stat the result to decide freshness; Get itself does not check existence
// beyond reporting whether the path is present.
func (s *Store) Get(repoID, url string, kind Kind) (path string, ok bool) {
	p := s.pathFor(repoID, url, kind)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Remove deletes the cached file for (repoID, url, kind), if present. It is
// a no-op if nothing is cached there. Callers that commit a download via
// [Store.Put] and only afterward discover it fails verification (a digest
// or signature mismatch) call Remove so the Blob Store never answers a
// later [Store.Get] with content that already failed a check.
func (s *Store) Remove(repoID, url string, kind Kind) error {
	p := s.pathFor(repoID, url, kind)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Remove", Inner: err, Message: p}
	}
	return nil
}

// Expire truncates the cached repomd.xml's mtime to the epoch, forcing the
// next freshness check in the Metadata Fetcher to treat it as stale.
func (s *Store) Expire(repoID string) error {
	p := filepath.Join(s.subdir(repoID, "repodata"), "repomd.xml")
	epoch := time.Unix(0, 0)
	if err := os.Chtimes(p, epoch, epoch); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // nothing cached yet; equivalent to already expired
		}
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Expire", Inner: err, Message: p}
	}
	return nil
}

// Clean removes cached content of the given kinds across every repo
// directory under the store root.
func (s *Store) Clean(kinds ...Kind) error {
	repos, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Clean", Inner: err}
	}
	for _, re := range repos {
		if !re.IsDir() {
			continue
		}
		for _, k := range kinds {
			if err := s.cleanOne(re.Name(), k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) cleanOne(repoID string, k Kind) error {
	var target string
	switch k {
	case KindPackages:
		target = s.subdir(repoID, "packages")
	case KindMetadata, KindDBCache, KindExpireCache:
		target = s.subdir(repoID, "repodata")
	case KindSolvCache:
		target = s.subdir(repoID, "solvcache")
	case KindKeys:
		target = s.subdir(repoID, "keys")
	case KindPlugins:
		return nil // plugin cache is an external collaborator's concern
	case KindAll:
		target = s.repoRoot(repoID)
	default:
		return fmt.Errorf("blobstore: unknown clean kind %q", k)
	}
	if err := os.RemoveAll(target); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "blobstore.Clean", Inner: err, Message: target}
	}
	if k != KindAll {
		return os.MkdirAll(target, 0o755)
	}
	return nil
}
