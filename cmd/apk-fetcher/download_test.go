package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/assembler"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex/repoindextest"
	"github.com/open-edge-platform/apk-fetcher/internal/signature/signaturetest"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// runCLI executes the command tree with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		logger.Init(nil)
		runtimeConfig = nil
	})
	root := createRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func fdroidRepo(t *testing.T) (*repoindextest.Repo, string) {
	t.Helper()
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	return repo, "repo=" + repo.URL + "?fingerprint=" + hex.EncodeToString(repo.Signer.Fingerprint())
}

type jsonReport struct {
	Entries []struct {
		App     string `json:"app"`
		Outcome struct {
			State           string   `json:"state"`
			ResolvedVersion string   `json:"resolved_version"`
			Paths           []string `json:"paths"`
			Skipped         bool     `json:"skipped"`
			Failure         *struct {
				Kind string `json:"kind"`
			} `json:"failure"`
		} `json:"outcome"`
	} `json:"entries"`
}

func TestDownloadFromSignedRepository(t *testing.T) {
	repo, repoOpt := fdroidRepo(t)
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())
	out := t.TempDir()
	args := []string{"--config", cfg, "download", "-d", "f-droid", "-a", "org.example.app,org.example.app@1.0",
		"-o", repoOpt, "--no-progress", "--format", "json", out}

	stdout, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("download: %v\n%s", err, stdout)
	}
	var rep jsonReport
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout)
	}
	if len(rep.Entries) != 2 {
		t.Fatalf("entries = %d", len(rep.Entries))
	}

	apps := repoindextest.ExampleApps()[0]
	want := map[string][]byte{
		"org.example.app.apk":     apps.Versions[2].Bytes(apps.ID),
		"org.example.app@1.0.apk": apps.Versions[0].Bytes(apps.ID),
	}
	for name, content := range want {
		got, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Errorf("%s not delivered: %v", name, err)
			continue
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s has wrong content", name)
		}
	}
	apkHits := repo.Hits(apps.Versions[2].APKName(apps.ID))

	stdout, err = runCLI(t, args...)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}
	rep = jsonReport{}
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatal(err)
	}
	for _, e := range rep.Entries {
		if !e.Outcome.Skipped {
			t.Errorf("%s was fetched again", e.App)
		}
	}
	if repo.Hits(apps.Versions[2].APKName(apps.ID)) != apkHits {
		t.Error("existing package was downloaded again")
	}
}

func TestDownloadReportsFailuresAndContinues(t *testing.T) {
	_, repoOpt := fdroidRepo(t)
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())
	out := t.TempDir()
	listDir := t.TempDir()

	stdout, err := runCLI(t, "--config", cfg, "download", "-d", "fdroid",
		"-a", "org.example.app", "-a", "org.example.missing", "-o", repoOpt,
		"--no-progress", "--fetched-list", listDir, out)
	if err == nil || !strings.Contains(err.Error(), "org.example.missing") {
		t.Fatalf("expected the missing app in the error, got %v", err)
	}
	if !strings.Contains(stdout, "1 succeeded (0 already present), 1 failed") {
		t.Errorf("summary missing:\n%s", stdout)
	}
	if _, err := os.Stat(filepath.Join(out, "org.example.app.apk")); err != nil {
		t.Errorf("sibling request did not complete: %v", err)
	}
	lists, _ := filepath.Glob(filepath.Join(listDir, "fetched-*.txt"))
	if len(lists) != 1 {
		t.Fatalf("fetched lists = %v", lists)
	}
	raw, _ := os.ReadFile(lists[0])
	if !strings.Contains(string(raw), "org.example.app.apk") {
		t.Errorf("fetched list = %q", raw)
	}
}

func TestDownloadRejectsWrongFingerprint(t *testing.T) {
	repo, _ := fdroidRepo(t)
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())
	other := signaturetest.NewSigner(t)
	opt := "repo=" + repo.URL + "?fingerprint=" + hex.EncodeToString(other.Fingerprint())
	out := t.TempDir()

	stdout, err := runCLI(t, "--config", cfg, "download", "-d", "f-droid", "-a", "org.example.app",
		"-o", opt, "--no-progress", "--format", "json", out)
	if err == nil {
		t.Fatal("expected failure")
	}
	var rep jsonReport
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatal(err)
	}
	if f := rep.Entries[0].Outcome.Failure; f == nil || f.Kind != "FingerprintMismatch" {
		t.Errorf("failure = %+v", f)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("output dir not empty: %v", entries)
	}
}

func TestDownloadMissingOutputDir(t *testing.T) {
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())
	_, err := runCLI(t, "--config", cfg, "download", "-a", "org.example.app", filepath.Join(t.TempDir(), "nope"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestListVersions(t *testing.T) {
	_, repoOpt := fdroidRepo(t)
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())

	stdout, err := runCLI(t, "--config", cfg, "list-versions", "-d", "f-droid", "-a", "org.example.app",
		"-o", repoOpt, "--format", "json")
	if err != nil {
		t.Fatalf("list-versions: %v", err)
	}
	var listing struct {
		App      string `json:"app"`
		Versions []struct {
			Version string `json:"version"`
		} `json:"versions"`
	}
	if err := json.Unmarshal([]byte(stdout), &listing); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	var got []string
	for _, v := range listing.Versions {
		got = append(got, v.Version)
	}
	if strings.Join(got, ",") != "2.0,1.1,1.0" {
		t.Errorf("versions = %v", got)
	}
}

func TestCacheRefresh(t *testing.T) {
	_, repoOpt := fdroidRepo(t)
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())

	stdout, err := runCLI(t, "--config", cfg, "cache", "refresh", "-o", repoOpt)
	if err != nil {
		t.Fatalf("cache refresh: %v", err)
	}
	for _, want := range []string{"VERIFIED", "true", "APPS"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestCacheClean(t *testing.T) {
	cfg := writeConfig(t, "cache_dir: "+t.TempDir())
	dir := t.TempDir()
	stale := filepath.Join(dir, assembler.TempPrefix+"abc"+assembler.TempSuffix)
	if err := os.MkdirAll(stale, 0755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}

	stdout, err := runCLI(t, "--config", cfg, "cache", "clean", "--index", dir)
	if err != nil {
		t.Fatalf("cache clean: %v", err)
	}
	if !strings.Contains(stdout, "removed "+stale) {
		t.Errorf("output = %q", stdout)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging directory survived")
	}
}
