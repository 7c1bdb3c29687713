package fdroid

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex/repoindextest"
	"github.com/open-edge-platform/apk-fetcher/internal/signature/signaturetest"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const appID = "org.example.app"

func newProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	client := network.NewClient()
	return New(repoindex.NewCache(t.TempDir(), client, 0), client, opts...)
}

func pinned(repo *repoindextest.Repo) map[string]string {
	return map[string]string{"repo": repo.URL + "?fingerprint=" + hex.EncodeToString(repo.Signer.Fingerprint())}
}

func TestResolveVersions(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())

	for _, useEntry := range []string{"1", "0"} {
		t.Run("use_entry="+useEntry, func(t *testing.T) {
			p := newProvider(t)
			opts := pinned(repo)
			opts["use_entry"] = useEntry

			tests := []struct {
				spec     apkpackage.VersionSpec
				want     string
				wantKind apkpackage.ErrorKind
			}{
				{apkpackage.Latest, "2.0", apkpackage.Unknown},
				{apkpackage.Exact("1.0"), "1.0", apkpackage.Unknown},
				{apkpackage.Exact("9.9"), "", apkpackage.VersionNotFound},
			}
			for _, tt := range tests {
				desc, err := p.Resolve(context.Background(), appID, tt.spec, opts)
				if tt.wantKind != apkpackage.Unknown {
					if got := apkpackage.KindOf(err); got != tt.wantKind {
						t.Errorf("%s: kind = %v (%v), want %v", tt.spec, got, err, tt.wantKind)
					}
					continue
				}
				if err != nil {
					t.Fatalf("%s: Resolve: %v", tt.spec, err)
				}
				if desc.ResolvedVersion != tt.want {
					t.Errorf("%s: resolved %s, want %s", tt.spec, desc.ResolvedVersion, tt.want)
				}
				if !desc.Trusted || len(desc.DeclaredChecksum) != sha256.Size {
					t.Errorf("%s: descriptor not backed by verified index: %+v", tt.spec, desc)
				}
				if !strings.HasPrefix(desc.Primary.URL, repo.URL+"/") {
					t.Errorf("%s: url = %s", tt.spec, desc.Primary.URL)
				}
			}
		})
	}
	if repo.Hits(repoindex.EntryJar) != 1 || repo.Hits(repoindex.V1JarName) != 1 {
		t.Errorf("each index format should be downloaded once, got entry=%d v1=%d",
			repo.Hits(repoindex.EntryJar), repo.Hits(repoindex.V1JarName))
	}
}

func TestResolveUnknownApp(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	p := newProvider(t)
	_, err := p.Resolve(context.Background(), "org.example.missing", apkpackage.Latest, pinned(repo))
	if !apkpackage.IsKind(err, apkpackage.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	_, err = p.ListVersions(context.Background(), "org.example.missing", pinned(repo))
	if !apkpackage.IsKind(err, apkpackage.NotFound) {
		t.Fatalf("expected NotFound from ListVersions, got %v", err)
	}
}

func TestListVersions(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	versions, err := newProvider(t).ListVersions(context.Background(), appID, pinned(repo))
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	var got []string
	for _, v := range versions {
		got = append(got, v.Version)
	}
	if strings.Join(got, ",") != "2.0,1.1,1.0" {
		t.Errorf("versions = %v, want newest first", got)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	other := signaturetest.NewSigner(t)
	opts := map[string]string{"repo": repo.URL + "?fingerprint=" + hex.EncodeToString(other.Fingerprint())}
	_, err := newProvider(t).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if !apkpackage.IsKind(err, apkpackage.FingerprintMismatch) {
		t.Fatalf("expected FingerprintMismatch, got %v", err)
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	client := network.NewClient()
	cache := repoindex.NewCache(t.TempDir(), client, -1)
	opts := map[string]string{"repo": repo.URL}

	desc, err := New(cache, client).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fp := hex.EncodeToString(repo.Signer.Fingerprint())
	found := false
	for _, w := range desc.Warnings {
		if strings.Contains(w, "first use") && strings.Contains(w, fp) {
			found = true
		}
	}
	if !found {
		t.Errorf("first use must be reported with the fingerprint, warnings = %q", desc.Warnings)
	}
	if got, ok, _ := cache.Pinned(repo.URL); !ok || !bytes.Equal(got, repo.Signer.Fingerprint()) {
		t.Fatalf("fingerprint not pinned")
	}

	// the repository is re-signed by someone else
	repo.Signer = signaturetest.NewSigner(t)
	repo.SetApps(t, repoindextest.ExampleApps())
	_, err = New(cache, client).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if !apkpackage.IsKind(err, apkpackage.FingerprintMismatch) {
		t.Fatalf("expected FingerprintMismatch after signer change, got %v", err)
	}
}

func TestVerificationBypass(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	other := signaturetest.NewSigner(t)
	opts := map[string]string{
		"repo":         repo.URL + "?fingerprint=" + hex.EncodeToString(other.Fingerprint()),
		"verify-index": "false",
	}
	desc, err := newProvider(t).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.Trusted {
		t.Error("bypassed index must not be trusted")
	}
	if len(desc.Warnings) == 0 || !strings.Contains(desc.Warnings[0], "verification disabled") {
		t.Errorf("warnings = %q", desc.Warnings)
	}
}

func TestMirrorFallback(t *testing.T) {
	signer := signaturetest.NewSigner(t)
	primary := repoindextest.NewRepo(t, signer, repoindextest.ExampleApps())
	mirror := repoindextest.NewRepo(t, signer, repoindextest.ExampleApps())
	primary.SetDown(true)

	opts := pinned(primary)
	opts["mirrors"] = mirror.URL
	desc, err := newProvider(t).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(desc.Primary.URL, mirror.URL+"/") {
		t.Errorf("expected the mirror to serve the download, got %s", desc.Primary.URL)
	}

	primary.SetDown(false)
	desc, err = newProvider(t).Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(desc.Primary.URL, primary.URL+"/") {
		t.Errorf("primary repository should win ties, got %s", desc.Primary.URL)
	}
}

func TestResolveArchitecture(t *testing.T) {
	apps := []repoindextest.App{{
		ID: appID,
		Versions: []repoindextest.Version{
			{Name: "3.0", Code: 3001, NativeCode: []string{"armeabi-v7a"}},
			{Name: "3.0", Code: 3002, NativeCode: []string{"arm64-v8a"}},
			{Name: "3.0", Code: 3003, NativeCode: []string{"x86_64"}},
		},
	}}
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), apps)
	opts := pinned(repo)
	opts["arch"] = "arm64-v8a;x86_64"

	desc, err := newProvider(t).Resolve(context.Background(), appID, apkpackage.Exact("3.0"), opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.Arch != "arm64-v8a" || desc.VersionCode != 3002 {
		t.Errorf("arch = %s code = %d", desc.Arch, desc.VersionCode)
	}
}

func TestResolveAmbiguousBuilds(t *testing.T) {
	apps := []repoindextest.App{{
		ID: appID,
		Versions: []repoindextest.Version{
			{Name: "2.0", Code: 20, NativeCode: []string{"arm64-v8a"}},
			{Name: "2.0", Code: 20, NativeCode: []string{"arm64-v8a", "x86_64"}},
		},
	}}
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), apps)
	p := newProvider(t)

	opts := pinned(repo)
	opts["arch"] = "arm64-v8a"
	_, err := p.Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if !apkpackage.IsKind(err, apkpackage.AmbiguousVariant) {
		t.Fatalf("expected AmbiguousVariant, got %v", err)
	}

	opts["arch"] = "x86_64"
	desc, err := p.Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.Arch != "x86_64" || desc.Primary.Name != "org.example.app_20.apk" {
		t.Errorf("arch = %s file = %s", desc.Arch, desc.Primary.Name)
	}
}

func TestVerifyDescriptor(t *testing.T) {
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	p := newProvider(t)
	opts := pinned(repo)

	desc, err := p.Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.VerifyDescriptor(context.Background(), desc, opts); err != nil {
		t.Fatalf("VerifyDescriptor: %v", err)
	}

	desc.DeclaredChecksum = bytes.Repeat([]byte{0xaa}, sha256.Size)
	err = p.VerifyDescriptor(context.Background(), desc, opts)
	if !apkpackage.IsKind(err, apkpackage.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
}

func TestVerifyDescriptorFetchesPGPSignature(t *testing.T) {
	entity, err := openpgp.NewEntity("Repo", "test", "repo@example.org", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	repo := repoindextest.NewRepo(t, signaturetest.NewSigner(t), repoindextest.ExampleApps())
	latest := repoindextest.ExampleApps()[0].Versions[2]
	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(latest.Bytes(appID)), nil); err != nil {
		t.Fatalf("ArmoredDetachSign: %v", err)
	}
	repo.SetFile(latest.APKName(appID)+".asc", sig.Bytes())

	p := newProvider(t, WithKeyring(openpgp.EntityList{entity}))
	opts := pinned(repo)
	desc, err := p.Resolve(context.Background(), appID, apkpackage.Latest, opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.VerifyDescriptor(context.Background(), desc, opts); err != nil {
		t.Fatalf("VerifyDescriptor: %v", err)
	}
	if !bytes.Equal(desc.Primary.Signature, sig.Bytes()) {
		t.Error("signature not attached to the primary file")
	}

	older, err := p.Resolve(context.Background(), appID, apkpackage.Exact("1.0"), opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.VerifyDescriptor(context.Background(), older, opts); err != nil {
		t.Fatalf("VerifyDescriptor without .asc: %v", err)
	}
	if older.Primary.Signature != nil || len(older.Warnings) == 0 {
		t.Errorf("missing signature should only warn: %+v", older)
	}
}

func TestParseSettings(t *testing.T) {
	s, err := parseSettings(nil)
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	if s.repo != OfficialRepo || hex.EncodeToString(s.fingerprint) != OfficialFingerprint || !s.useEntry || s.bypass {
		t.Errorf("defaults = %+v", s)
	}

	s, err = parseSettings(map[string]string{"repo": "https://example.org/fdroid/repo/", "use_entry": "false"})
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	if s.repo != "https://example.org/fdroid/repo" || s.fingerprint != nil || s.useEntry {
		t.Errorf("custom repo = %+v", s)
	}

	if _, err := parseSettings(map[string]string{"repo": "https://example.org/repo?fingerprint=zz"}); !apkpackage.IsKind(err, apkpackage.InvalidRequest) {
		t.Errorf("expected InvalidRequest for malformed fingerprint, got %v", err)
	}
}
