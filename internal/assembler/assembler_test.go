package assembler

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/pkgfetcher"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

var content = map[string][]byte{
	"/base":   []byte("base apk"),
	"/arm64":  []byte("arm64 split"),
	"/xxhdpi": []byte("density split"),
	"/obb":    []byte("expansion"),
}

func sum(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

func setup(t *testing.T) (*Assembler, string, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		data, ok := content[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	out := t.TempDir()
	f := pkgfetcher.New(network.NewClient(), pkgfetcher.WithRetryInterval(time.Millisecond))
	return New(f, out), out, srv
}

func request(t *testing.T, version apkpackage.VersionSpec) apkpackage.AcquisitionRequest {
	t.Helper()
	req, err := apkpackage.NewRequest("org.example.app", version, apkpackage.TokenSession, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func ref(srv *httptest.Server, p, name string, role apkpackage.FileRole) apkpackage.FileRef {
	return apkpackage.FileRef{URL: srv.URL + p, Name: name, Role: role, Checksum: sum(content[p])}
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempPrefix) {
			t.Errorf("staging entry left behind: %s", e.Name())
		}
	}
}

func TestDestinationName(t *testing.T) {
	desc := &apkpackage.ArtifactDescriptor{ID: "org.example.app", ResolvedVersion: "2.0",
		Primary: apkpackage.FileRef{Name: "org.example.app.xapk"}}
	tests := []struct {
		name string
		spec apkpackage.VersionSpec
		arch string
		aux  int
		want string
	}{
		{"latest", apkpackage.Latest, "", 0, "org.example.app.xapk"},
		{"pinned", apkpackage.Exact("2.0"), "", 0, "org.example.app@2.0.xapk"},
		{"pinned with arch", apkpackage.Exact("2.0"), "arm64-v8a", 0, "org.example.app@2.0@arm64-v8a.xapk"},
		{"split", apkpackage.Latest, "", 2, "org.example.app.split"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := *desc
			d.Arch = tt.arch
			d.Auxiliary = make([]apkpackage.FileRef, tt.aux)
			if got := DestinationName(request(t, tt.spec), &d); got != tt.want {
				t.Errorf("DestinationName = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAssembleMonolithic(t *testing.T) {
	a, out, srv := setup(t)
	desc := &apkpackage.ArtifactDescriptor{
		ID:               "org.example.app",
		ResolvedVersion:  "2.0",
		Primary:          apkpackage.FileRef{URL: srv.URL + "/base", Name: "app_20.apk"},
		DeclaredChecksum: sum(content["/base"]),
	}
	d, err := a.Assemble(context.Background(), request(t, apkpackage.Exact("2.0")), desc, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := filepath.Join(out, "org.example.app@2.0.apk")
	if len(d.Paths) != 1 || d.Paths[0] != want || d.Split || d.Skipped {
		t.Fatalf("delivery = %+v", d)
	}
	if got, _ := os.ReadFile(want); string(got) != "base apk" {
		t.Errorf("content = %q", got)
	}
	assertNoStaging(t, out)

	again, err := a.Assemble(context.Background(), request(t, apkpackage.Exact("2.0")), desc, nil)
	if err != nil || !again.Skipped {
		t.Fatalf("second run should skip the existing file: %+v, %v", again, err)
	}
}

func TestAssembleSplitBundle(t *testing.T) {
	a, out, srv := setup(t)
	desc := &apkpackage.ArtifactDescriptor{
		ID:      "org.example.app",
		Primary: ref(srv, "/base", "base.apk", apkpackage.Base),
		Auxiliary: []apkpackage.FileRef{
			ref(srv, "/arm64", "config.arm64_v8a.apk", apkpackage.SplitConfig),
			ref(srv, "/xxhdpi", "config.xxhdpi.apk", apkpackage.SplitConfig),
			ref(srv, "/obb", "main.7.org.example.app.obb", apkpackage.Expansion),
		},
	}
	d, err := a.Assemble(context.Background(), request(t, apkpackage.Latest), desc, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bundle := filepath.Join(out, "org.example.app.split")
	entries, err := os.ReadDir(bundle)
	if err != nil {
		t.Fatalf("bundle directory: %v", err)
	}
	if len(entries) != len(desc.Auxiliary)+1 || len(d.Paths) != len(entries) || !d.Split {
		t.Fatalf("expected %d files, got %d (%+v)", len(desc.Auxiliary)+1, len(entries), d)
	}
	if got, _ := os.ReadFile(filepath.Join(bundle, "base.apk")); string(got) != "base apk" {
		t.Errorf("base.apk = %q", got)
	}
	assertNoStaging(t, out)
}

func TestAssembleSplitBundleCollidingNames(t *testing.T) {
	a, out, srv := setup(t)
	desc := &apkpackage.ArtifactDescriptor{
		ID:      "org.example.app",
		Primary: ref(srv, "/base", "base.apk", apkpackage.Base),
		Auxiliary: []apkpackage.FileRef{
			ref(srv, "/arm64", "base.apk", apkpackage.SplitConfig),
			ref(srv, "/xxhdpi", "config.apk", apkpackage.SplitConfig),
			ref(srv, "/obb", "Config.apk", apkpackage.Expansion),
		},
	}
	d, err := a.Assemble(context.Background(), request(t, apkpackage.Latest), desc, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bundle := filepath.Join(out, "org.example.app.split")
	want := []string{"base.apk", "base-2.apk", "config.apk", "Config-2.apk"}
	if len(d.Paths) != len(want) {
		t.Fatalf("paths = %v", d.Paths)
	}
	for i, name := range want {
		if d.Paths[i] != filepath.Join(bundle, name) {
			t.Errorf("path %d = %s, want %s", i, d.Paths[i], name)
		}
	}
	entries, err := os.ReadDir(bundle)
	if err != nil || len(entries) != len(want) {
		t.Fatalf("bundle holds %d files, want %d (%v)", len(entries), len(want), err)
	}
	if got, _ := os.ReadFile(filepath.Join(bundle, "base.apk")); string(got) != "base apk" {
		t.Errorf("base.apk = %q", got)
	}
}

func TestAssembleFailureLeavesNothing(t *testing.T) {
	a, out, srv := setup(t)
	bad := ref(srv, "/xxhdpi", "config.xxhdpi.apk", apkpackage.SplitConfig)
	bad.Checksum = sum([]byte("something else"))
	desc := &apkpackage.ArtifactDescriptor{
		ID:        "org.example.app",
		Primary:   ref(srv, "/base", "base.apk", apkpackage.Base),
		Auxiliary: []apkpackage.FileRef{ref(srv, "/arm64", "config.arm64_v8a.apk", apkpackage.SplitConfig), bad},
	}
	_, err := a.Assemble(context.Background(), request(t, apkpackage.Latest), desc, nil)
	if !apkpackage.IsKind(err, apkpackage.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "org.example.app.split")); !os.IsNotExist(err) {
		t.Error("partial bundle left at the final path")
	}
	assertNoStaging(t, out)
}

func TestAssembleCancelledMidFetch(t *testing.T) {
	a, out, srv := setup(t)
	desc := &apkpackage.ArtifactDescriptor{ID: "org.example.app", Primary: apkpackage.FileRef{URL: srv.URL + "/slow", Name: "a.apk"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Assemble(ctx, request(t, apkpackage.Latest), desc, nil)
	if !apkpackage.IsKind(err, apkpackage.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "org.example.app.apk")); !os.IsNotExist(err) {
		t.Error("interrupted download left a final file")
	}
	assertNoStaging(t, out)
}

func TestCleanupTemp(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, TempPrefix+"old"+TempSuffix)
	fresh := filepath.Join(dir, TempPrefix+"fresh"+TempSuffix)
	keep := filepath.Join(dir, "org.example.app.apk")
	for _, p := range []string{old, fresh, keep} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanupTemp(dir, time.Hour)
	if err != nil {
		t.Fatalf("CleanupTemp: %v", err)
	}
	if len(removed) != 1 || removed[0] != old {
		t.Errorf("removed = %v", removed)
	}
	for _, p := range []string{fresh, keep} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", p, err)
		}
	}
}
