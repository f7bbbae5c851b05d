package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opentdnf/tdnf-go/internal/blobstore"
	"github.com/opentdnf/tdnf-go/internal/rpmcrypto"
	"github.com/opentdnf/tdnf-go/repo"
)

const primaryXML = `<?xml version="1.0"?><metadata packages="1"></metadata>`

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0"?>
<repomd>
  <data type="primary">
    <checksum type="sha256">%s</checksum>
    <location href="repodata/primary.xml"/>
  </data>
</repomd>`, sha256Hex(primaryXML))
	})
	mux.HandleFunc("/repodata/primary.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryXML)
	})
	return httptest.NewServer(mux)
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store, rpmcrypto.NewService(false, nil))
}

func TestFetchRepoHappyPath(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cfg := &repo.Config{ID: "test-repo", BaseURLs: []string{srv.URL}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t)
	res, err := f.FetchRepo(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.PrimaryPath == "" {
		t.Fatal("expected a primary path")
	}
	if !cfg.HasMetadata {
		t.Fatal("expected cfg.HasMetadata to be set")
	}
	if cfg.ResolvedURL != srv.URL {
		t.Fatalf("ResolvedURL = %q, want %q", cfg.ResolvedURL, srv.URL)
	}
}

func TestFetchRepoBadChecksumFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0"?>
<repomd>
  <data type="primary">
    <checksum type="sha256">%s</checksum>
    <location href="repodata/primary.xml"/>
  </data>
</repomd>`, strings.Repeat("0", 64))
	})
	mux.HandleFunc("/repodata/primary.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryXML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &repo.Config{ID: "test-repo", BaseURLs: []string{srv.URL}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t)
	if _, err := f.FetchRepo(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

func TestFetchRepoCacheOnlyWithoutCacheFails(t *testing.T) {
	cfg := &repo.Config{ID: "test-repo", BaseURLs: []string{"https://example.invalid"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t)
	if _, err := f.FetchRepo(context.Background(), cfg, Options{CacheOnly: true}); err == nil {
		t.Fatal("expected CacheDisabled error")
	}
}

func TestFetchRepoNoBaseURLFails(t *testing.T) {
	cfg := &repo.Config{ID: "unreachable", BaseURLs: []string{"http://127.0.0.1:1"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t)
	if _, err := f.FetchRepo(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected NoBaseURL error")
	}
}
