// Package repoindextest serves signed F-Droid style repositories for tests.
package repoindextest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/open-edge-platform/apk-fetcher/internal/signature/signaturetest"
)

// Version is one build of an App.
type Version struct {
	Name       string
	Code       int64
	NativeCode []string
	Content    []byte // APK bytes; generated from the name and code when nil
}

// APKName is the file name a repository publishes the build under.
func (v Version) APKName(id string) string {
	if len(v.NativeCode) == 1 {
		return fmt.Sprintf("%s_%d_%s.apk", id, v.Code, v.NativeCode[0])
	}
	return fmt.Sprintf("%s_%d.apk", id, v.Code)
}

// Bytes returns the APK content.
func (v Version) Bytes(id string) []byte {
	if v.Content != nil {
		return v.Content
	}
	return []byte(fmt.Sprintf("apk:%s:%s:%d:%s", id, v.Name, v.Code, strings.Join(v.NativeCode, ",")))
}

// App is a package published by the repository.
type App struct {
	ID       string
	Versions []Version
}

// ExampleApps is the three-version fixture used across tests.
func ExampleApps() []App {
	return []App{{
		ID: "org.example.app",
		Versions: []Version{
			{Name: "1.0", Code: 10},
			{Name: "1.1", Code: 11},
			{Name: "2.0", Code: 20},
		},
	}}
}

// IndexV1 renders an index-v1.json document.
func IndexV1(address string, apps []App) []byte {
	type pkg struct {
		VersionName string   `json:"versionName"`
		VersionCode int64    `json:"versionCode"`
		APKName     string   `json:"apkName"`
		Hash        string   `json:"hash"`
		HashType    string   `json:"hashType"`
		Size        int      `json:"size"`
		PackageName string   `json:"packageName"`
		NativeCode  []string `json:"nativecode,omitempty"`
	}
	doc := map[string]any{
		"repo": map[string]any{
			"timestamp": 1700000000000,
			"version":   21,
			"name":      "Test Repo",
			"address":   address,
		},
		"requests": map[string]any{"install": []string{}, "uninstall": []string{}},
	}
	packages := map[string][]pkg{}
	for _, app := range apps {
		for _, v := range app.Versions {
			sum := sha256.Sum256(v.Bytes(app.ID))
			packages[app.ID] = append(packages[app.ID], pkg{
				VersionName: v.Name,
				VersionCode: v.Code,
				APKName:     v.APKName(app.ID),
				Hash:        hex.EncodeToString(sum[:]),
				HashType:    "sha256",
				Size:        len(v.Bytes(app.ID)),
				PackageName: app.ID,
				NativeCode:  v.NativeCode,
			})
		}
	}
	doc["packages"] = packages
	b, _ := json.Marshal(doc)
	return b
}

// IndexV2 renders an index-v2.json document.
func IndexV2(address string, apps []App) []byte {
	packages := map[string]any{}
	for _, app := range apps {
		versions := map[string]any{}
		for _, v := range app.Versions {
			sum := sha256.Sum256(v.Bytes(app.ID))
			manifest := map[string]any{"versionName": v.Name, "versionCode": v.Code}
			if len(v.NativeCode) > 0 {
				manifest["nativecode"] = v.NativeCode
			}
			versions[hex.EncodeToString(sum[:])] = map[string]any{
				"added": 1700000000000,
				"file": map[string]any{
					"name":   "/" + v.APKName(app.ID),
					"sha256": hex.EncodeToString(sum[:]),
					"size":   len(v.Bytes(app.ID)),
				},
				"manifest": manifest,
			}
		}
		packages[app.ID] = map[string]any{"metadata": map[string]any{}, "versions": versions}
	}
	doc := map[string]any{
		"repo": map[string]any{
			"timestamp": 1700000000000,
			"name":      map[string]string{"en-US": "Test Repo"},
			"address":   address,
			"mirrors":   []map[string]string{{"url": address}},
		},
		"packages": packages,
	}
	b, _ := json.Marshal(doc)
	return b
}

// EntryJSON renders the entry point that pins index by digest.
func EntryJSON(name string, index []byte) []byte {
	sum := sha256.Sum256(index)
	b, _ := json.Marshal(map[string]any{
		"timestamp": 1700000000000,
		"version":   20001,
		"index": map[string]any{
			"name":        name,
			"sha256":      hex.EncodeToString(sum[:]),
			"size":        len(index),
			"numPackages": 1,
		},
	})
	return b
}

// Repo is a running fake repository.
type Repo struct {
	Server *httptest.Server
	Signer *signaturetest.Signer
	URL    string // repository address, ending in /repo

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
	down  bool
}

// NewRepo serves apps signed by signer under <server>/repo.
func NewRepo(t testing.TB, signer *signaturetest.Signer, apps []App) *Repo {
	t.Helper()
	r := &Repo{Signer: signer, hits: map[string]int{}}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Server.Close)
	r.URL = r.Server.URL + "/repo"
	r.SetApps(t, apps)
	return r
}

// SetApps republishes the repository content.
func (r *Repo) SetApps(t testing.TB, apps []App) {
	t.Helper()
	v1 := IndexV1(r.URL, apps)
	v2 := IndexV2(r.URL, apps)
	files := map[string][]byte{
		"index-v1.jar":  r.Signer.JAR(t, map[string][]byte{"index-v1.json": v1}),
		"entry.jar":     r.Signer.JAR(t, map[string][]byte{"entry.json": EntryJSON("/index-v2.json", v2)}),
		"index-v2.json": v2,
	}
	for _, app := range apps {
		for _, v := range app.Versions {
			files[v.APKName(app.ID)] = v.Bytes(app.ID)
		}
	}
	r.mu.Lock()
	r.files = files
	r.mu.Unlock()
}

// SetFile overrides one served file, e.g. to tamper with an APK.
func (r *Repo) SetFile(name string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[name] = data
}

// SetDown makes every request fail with 503.
func (r *Repo) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// Hits returns how often name was downloaded with a 200 response.
func (r *Repo) Hits(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[name]
}

func (r *Repo) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	down := r.down
	name := strings.TrimPrefix(req.URL.Path, "/repo/")
	data, ok := r.files[name]
	r.mu.Unlock()

	if down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if !ok || !strings.HasPrefix(req.URL.Path, "/repo/") {
		http.NotFound(w, req)
		return
	}
	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`
	w.Header().Set("ETag", etag)
	if req.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	r.mu.Lock()
	r.hits[name]++
	r.mu.Unlock()
	_, _ = w.Write(data)
}
