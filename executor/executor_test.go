package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
	"github.com/opentdnf/tdnf-go/history"
	"github.com/opentdnf/tdnf-go/internal/blobstore"
	"github.com/opentdnf/tdnf-go/internal/instancelock"
	"github.com/opentdnf/tdnf-go/internal/rpmcrypto"
	"github.com/opentdnf/tdnf-go/repo"
)

// fakeBackend is an in-memory RPMBackend, grounded on claircore's pattern
// of a small interface paired with a hand-rolled fake for unit tests
// instead of a real RPM database.
type fakeBackend struct {
	installed map[string]tdnf.Package
	failOn    string // if non-empty, Apply fails when it reaches a step targeting this name
	applied   []tdnf.Step
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{installed: make(map[string]tdnf.Package)}
}

func (f *fakeBackend) Apply(ctx context.Context, steps []tdnf.Step, testOnly bool, reporter ProgressReporter) error {
	before := make(map[string]tdnf.Package, len(f.installed))
	for k, v := range f.installed {
		before[k] = v
	}
	for _, s := range steps {
		if f.failOn != "" && s.Target.Name == f.failOn {
			f.installed = before // roll back
			return fmt.Errorf("backend: simulated failure on %s", f.failOn)
		}
		if testOnly {
			continue
		}
		reporter.FileProgress(s.Target.NEVRA.String(), s.Action, 1, 1)
		key := s.Target.Name + "." + s.Target.Arch
		switch s.Action {
		case tdnf.StepInstall:
			f.installed[key] = s.Target
		case tdnf.StepErase:
			delete(f.installed, key)
		}
		f.applied = append(f.applied, s)
	}
	return nil
}

func (f *fakeBackend) Enumerate(ctx context.Context) ([]tdnf.Package, error) {
	out := make([]tdnf.Package, 0, len(f.installed))
	for _, pk := range f.installed {
		out = append(out, pk)
	}
	return out, nil
}

func newTestExecutor(t *testing.T, backend RPMBackend) (*Executor, *repo.Set) {
	t.Helper()
	dir := t.TempDir()

	lock, err := instancelock.New(filepath.Join(dir, "instance.lock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lock.Close() })

	store, err := blobstore.New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}

	hist, err := history.Open(filepath.Join(dir, "history.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	set, err := repo.NewSet([]*repo.Config{{ID: "base", BaseURLs: []string{"http://example/base"}, Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}

	return &Executor{
		Lock:    lock,
		Store:   store,
		Crypto:  rpmcrypto.NewService(false, nil),
		History: hist,
		Backend: backend,
	}, set
}

func pkg(name string) tdnf.Package {
	return tdnf.Package{
		NEVRA:    tdnf.NEVRA{Name: name, Epoch: "0", Version: "1", Release: "1", Arch: "x86_64"},
		RepoID:   "base",
		Location: name + "-1-1.x86_64.rpm",
	}
}

func withChecksum(pk tdnf.Package, body string) tdnf.Package {
	sum := sha256.Sum256([]byte(body))
	pk.ChecksumType = string(rpmcrypto.SHA256)
	pk.Checksum = sum[:]
	return pk
}

func TestExecuteHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/base/a-1-1.x86_64.rpm", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "rpm-bytes-a")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := newFakeBackend()
	exec, repos := newTestExecutor(t, backend)
	repos.Get("base").ResolvedURL = srv.URL + "/base"

	a := withChecksum(pkg("a"), "rpm-bytes-a")
	plan := tdnf.Plan{Steps: []tdnf.ClassifiedStep{
		{Step: tdnf.Step{Action: tdnf.StepInstall, Target: a, Auto: false}, Category: tdnf.CategoryInstall},
	}}

	id, err := exec.Execute(context.Background(), repos, "install a", plan, Options{NoGPGCheck: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero history id")
	}
	if _, ok := backend.installed["a.x86_64"]; !ok {
		t.Fatal("expected a to be installed by the backend")
	}

	recs, err := exec.History.List(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || len(recs[0].Added) != 1 || recs[0].Added[0].Auto {
		t.Fatalf("expected one committed record with a manual add, got %+v", recs)
	}
}

func TestExecuteChecksumMismatchAborts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/base/b-1-1.x86_64.rpm", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "wrong-bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := newFakeBackend()
	exec, repos := newTestExecutor(t, backend)
	repos.Get("base").ResolvedURL = srv.URL + "/base"

	b := withChecksum(pkg("b"), "rpm-bytes-b") // checksum doesn't match server's "wrong-bytes"
	plan := tdnf.Plan{Steps: []tdnf.ClassifiedStep{
		{Step: tdnf.Step{Action: tdnf.StepInstall, Target: b}, Category: tdnf.CategoryInstall},
	}}

	_, err := exec.Execute(context.Background(), repos, "install b", plan, Options{NoGPGCheck: true})
	if err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
	var e *tdnf.Error
	if ok := asExecError(err, &e); !ok || e.Inner != tdnf.ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, ok := backend.installed["b.x86_64"]; ok {
		t.Fatal("backend must not have been reached after a checksum failure")
	}

	if _, ok := exec.Store.Get("base", srv.URL+"/base/b-1-1.x86_64.rpm", blobstore.KindPackages); ok {
		t.Fatal("blob store must not retain a package that failed checksum verification")
	}

	recs, err := exec.History.List(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no committed history record, got %+v", recs)
	}
}

func TestExecuteBackendFailureAbortsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/base/c-1-1.x86_64.rpm", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "rpm-bytes-c")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := newFakeBackend()
	backend.failOn = "c"
	exec, repos := newTestExecutor(t, backend)
	repos.Get("base").ResolvedURL = srv.URL + "/base"

	c := withChecksum(pkg("c"), "rpm-bytes-c")
	plan := tdnf.Plan{Steps: []tdnf.ClassifiedStep{
		{Step: tdnf.Step{Action: tdnf.StepInstall, Target: c}, Category: tdnf.CategoryInstall},
	}}

	_, err := exec.Execute(context.Background(), repos, "install c", plan, Options{NoGPGCheck: true})
	if err == nil {
		t.Fatal("expected the backend's simulated failure to surface")
	}

	recs, err := exec.History.List(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected the history record to have been aborted, got %+v", recs)
	}
}

func TestExecuteTestOnlyDoesNotMutate(t *testing.T) {
	backend := newFakeBackend()
	exec, repos := newTestExecutor(t, backend)

	a := pkg("d")
	plan := tdnf.Plan{Steps: []tdnf.ClassifiedStep{
		{Step: tdnf.Step{Action: tdnf.StepInstall, Target: a}, Category: tdnf.CategoryInstall},
	}}

	_, err := exec.Execute(context.Background(), repos, "install d", plan, Options{TestOnly: true})
	if err != nil {
		t.Fatalf("Execute test-only: %v", err)
	}
	if _, ok := backend.installed["d.x86_64"]; ok {
		t.Fatal("test-only run must not mutate backend state")
	}
	recs, err := exec.History.List(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("test-only run must not write a history record, got %+v", recs)
	}
}

func asExecError(err error, target **tdnf.Error) bool {
	e, ok := err.(*tdnf.Error)
	if ok {
		*target = e
	}
	return ok
}

type recordingPlugin struct{ events []tdnf.PluginEvent }

func (p *recordingPlugin) Handle(ctx context.Context, ev tdnf.PluginEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestExecuteFiresKernelInstallEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/base/kernel-1-1.x86_64.rpm", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "rpm-bytes-kernel")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := newFakeBackend()
	exec, repos := newTestExecutor(t, backend)
	repos.Get("base").ResolvedURL = srv.URL + "/base"
	plugin := &recordingPlugin{}
	exec.Plugin = plugin
	exec.IsKernelPackage = func(name string) bool { return name == "kernel" }

	k := withChecksum(pkg("kernel"), "rpm-bytes-kernel")
	plan := tdnf.Plan{Steps: []tdnf.ClassifiedStep{
		{Step: tdnf.Step{Action: tdnf.StepInstall, Target: k}, Category: tdnf.CategoryInstall},
	}}

	if _, err := exec.Execute(context.Background(), repos, "install kernel", plan, Options{NoGPGCheck: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(plugin.events) != 1 {
		t.Fatalf("expected one plugin event, got %d", len(plugin.events))
	}
	ev, ok := plugin.events[0].(tdnf.KernelInstallEvent)
	if !ok || ev.Target.Name != "kernel" {
		t.Fatalf("expected a KernelInstallEvent for kernel, got %#v", plugin.events[0])
	}
}
