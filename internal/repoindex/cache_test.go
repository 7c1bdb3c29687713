package repoindex

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex/repoindextest"
	"github.com/open-edge-platform/apk-fetcher/internal/signature/signaturetest"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

func newTestCache(t *testing.T, repo *repoindextest.Repo, maxAge time.Duration) *Cache {
	t.Helper()
	client := network.NewClient(network.WithHTTPClient(repo.Server.Client()))
	return NewCache(t.TempDir(), client, maxAge)
}

func TestCacheServesFreshCopy(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	cache := newTestCache(t, repo, time.Hour)
	ctx := context.Background()

	first, err := cache.Get(ctx, repo.URL, V1JarName, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.FromCache || first.Stale {
		t.Errorf("first fetch should hit the network: %+v", first)
	}
	second, err := cache.Get(ctx, repo.URL+"/", V1JarName, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.FromCache || !bytes.Equal(first.Data, second.Data) {
		t.Errorf("second fetch should be served from cache")
	}
	if hits := repo.Hits(V1JarName); hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestCacheRevalidatesWithETag(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	cache := newTestCache(t, repo, time.Hour)
	ctx := context.Background()

	if _, err := cache.Get(ctx, repo.URL, V1JarName, false); err != nil {
		t.Fatal(err)
	}
	res, err := cache.Get(ctx, repo.URL, V1JarName, true)
	if err != nil {
		t.Fatalf("forced Get: %v", err)
	}
	if !res.FromCache {
		t.Error("304 answer should reuse the cached copy")
	}
	if hits := repo.Hits(V1JarName); hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestCacheExpires(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	cache := newTestCache(t, repo, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cache.Get(ctx, repo.URL, V1JarName, false); err != nil {
		t.Fatal(err)
	}
	repo.SetApps(t, append(repoindextest.ExampleApps(), repoindextest.App{
		ID: "org.example.other", Versions: []repoindextest.Version{{Name: "0.1", Code: 1}},
	}))
	now = now.Add(2 * time.Minute)

	res, err := cache.Get(ctx, repo.URL, V1JarName, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("expired entry should be downloaded again")
	}
}

func TestCacheFallsBackToStaleCopy(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	cache := newTestCache(t, repo, time.Hour)
	ctx := context.Background()

	first, err := cache.Get(ctx, repo.URL, V1JarName, false)
	if err != nil {
		t.Fatal(err)
	}
	repo.SetDown(true)

	res, err := cache.Get(ctx, repo.URL, V1JarName, true)
	if err != nil {
		t.Fatalf("stale fallback should not fail: %v", err)
	}
	if !res.Stale || res.Warning == "" || !bytes.Equal(res.Data, first.Data) {
		t.Errorf("result = stale:%v warning:%q", res.Stale, res.Warning)
	}
}

func TestCacheFailsWithoutCopy(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	repo.SetDown(true)
	cache := newTestCache(t, repo, time.Hour)

	_, err := cache.Get(context.Background(), repo.URL, V1JarName, false)
	if !apkpackage.IsKind(err, apkpackage.SourceUnavailable) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
	_, err = cache.Get(context.Background(), repo.URL, "missing.jar", false)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCacheConcurrentRefresh(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	cache := newTestCache(t, repo, -1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cache.Get(ctx, repo.URL, V1JarName, true)
			if err == nil && len(res.Data) == 0 {
				t.Error("empty data")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Get: %v", err)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(cache.Dir(), "fdroid", "*", V1JarName))
	if len(matches) != 1 {
		t.Fatalf("expected a single cache entry, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if _, err := LoadV1(data, LoadOptions{Fingerprint: repo.Signer.Fingerprint()}); err != nil {
		t.Fatalf("cached file corrupt: %v", err)
	}
}

func TestPins(t *testing.T) {
	cache := NewCache(t.TempDir(), network.NewClient(), 0)
	if _, ok, err := cache.Pinned("https://f-droid.org/repo"); ok || err != nil {
		t.Fatalf("unexpected pin: %v %v", ok, err)
	}
	fp := bytes.Repeat([]byte{0xab}, 32)
	if err := cache.Pin("https://F-Droid.org/repo/", fp); err != nil {
		t.Fatal(err)
	}
	if err := cache.Clear(); err != nil {
		t.Fatal(err)
	}
	got, ok, err := cache.Pinned("https://f-droid.org/repo")
	if err != nil || !ok || !bytes.Equal(got, fp) {
		t.Fatalf("Pinned = %x %v %v", got, ok, err)
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://f-droid.org/repo", "https://f-droid.org/repo", false},
		{"HTTPS://F-Droid.org:443/repo/", "https://f-droid.org/repo", false},
		{"https://f-droid.org/repo?fingerprint=abc#x", "https://f-droid.org/repo", false},
		{"http://localhost:8080/fdroid/repo", "http://localhost:8080/fdroid/repo", false},
		{"f-droid.org/repo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("CanonicalURL(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestCacheRejectsNamesOutsideEntry(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	root := t.TempDir()
	client := network.NewClient(network.WithHTTPClient(repo.Server.Client()))
	cache := NewCache(filepath.Join(root, "cache"), client, time.Hour)

	for _, name := range []string{"../../escaped.json", "sub/index.json", "..", ".hidden", ""} {
		_, err := cache.Get(context.Background(), repo.URL, name, true)
		if !apkpackage.IsKind(err, apkpackage.InvalidRequest) {
			t.Errorf("Get(%q) error = %v, want InvalidRequest", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escaped.json")); !os.IsNotExist(err) {
		t.Error("file written outside the cache directory")
	}
}
