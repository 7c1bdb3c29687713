package huawei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

func gallery(t *testing.T) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("User-Agent") != userAgent {
			http.Error(w, "bad client", http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var info map[string][]pkgParam
		if err := json.Unmarshal([]byte(r.PostForm.Get("pkgInfo")), &info); err != nil || len(info["params"]) != 1 {
			http.Error(w, "bad pkgInfo", http.StatusBadRequest)
			return
		}
		switch info["params"][0].Package {
		case "com.example.gallery":
			_, _ = w.Write([]byte(`{"list":[{"package":"com.example.gallery","version":"4.2.0","versionCode":"420",` +
				`"size":1234,"downurl":"https://appdl.example.org/app.apk",` +
				`"sha256":"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"}]}`))
		default:
			_, _ = w.Write([]byte(`{"list":[],"rtnCode":0}`))
		}
	}))
	t.Cleanup(srv.Close)
	return New(network.NewClient(), WithEndpoint(srv.URL))
}

func TestResolveCurrentOnly(t *testing.T) {
	p := gallery(t)

	desc, err := p.Resolve(context.Background(), "com.example.gallery", apkpackage.Latest, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.ResolvedVersion != "4.2.0" || desc.VersionCode != 420 || desc.Primary.ExpectedSize != 1234 {
		t.Errorf("descriptor = %+v", desc)
	}
	if len(desc.DeclaredChecksum) != 32 {
		t.Errorf("checksum not carried over")
	}

	if _, err := p.Resolve(context.Background(), "com.example.gallery", apkpackage.Exact("4.2.0"), nil); err != nil {
		t.Errorf("pinning the current version should succeed: %v", err)
	}
	_, err = p.Resolve(context.Background(), "com.example.gallery", apkpackage.Exact("4.1.0"), nil)
	if !apkpackage.IsKind(err, apkpackage.VersionNotFound) {
		t.Errorf("expected VersionNotFound for an old version, got %v", err)
	}
}

func TestUnknownApp(t *testing.T) {
	p := gallery(t)
	if _, err := p.Resolve(context.Background(), "com.example.missing", apkpackage.Latest, nil); !apkpackage.IsKind(err, apkpackage.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	versions, err := p.ListVersions(context.Background(), "com.example.gallery", nil)
	if err != nil || len(versions) != 1 || versions[0].Version != "4.2.0" {
		t.Fatalf("ListVersions = %+v, %v", versions, err)
	}
}
