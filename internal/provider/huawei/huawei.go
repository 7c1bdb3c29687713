// Package huawei implements the vendor gallery source backed by the Huawei
// AppGallery client API. The gallery only serves the current version of an
// app.
package huawei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/signature"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const (
	ClientAPIURL = "https://store-dre.hispace.dbankcloud.com/hwmarket/api/clientApi"

	userAgent  = "UpdateSDK##4.0.1.300##Android##Pixel 2##com.huawei.appmarket##12.0.1.301"
	deviceSpec = `{"abis":"arm64-v8a,armeabi-v7a,armeabi","dpi":420,"preferLan":"en"}`
)

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint replaces the client API URL.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// Provider implements provider.Provider for Huawei AppGallery.
type Provider struct {
	client   *network.Client
	endpoint string
	breaker  *network.Breaker
	now      func() time.Time
}

// New returns a Huawei AppGallery provider.
func New(client *network.Client, opts ...Option) *Provider {
	p := &Provider{
		client:   client,
		endpoint: ClientAPIURL,
		breaker:  network.NewBreaker(apkpackage.VendorGallery.String(), 0, 0),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind returns VendorGallery.
func (p *Provider) Kind() apkpackage.SourceKind { return apkpackage.VendorGallery }

type updateCheck struct {
	List *[]struct {
		Package     string          `json:"package"`
		Version     string          `json:"version"`
		VersionCode json.RawMessage `json:"versionCode"`
		DownURL     string          `json:"downurl"`
		Size        json.RawMessage `json:"size"`
		SHA256      string          `json:"sha256"`
	} `json:"list"`
}

type pkgParam struct {
	IsPre            int    `json:"isPre"`
	Maple            int    `json:"maple"`
	OldVersion       string `json:"oldVersion"`
	Package          string `json:"package"`
	PkgMode          int    `json:"pkgMode"`
	ShellApkVer      int    `json:"shellApkVer"`
	TargetSdkVersion int    `json:"targetSdkVersion"`
	VersionCode      int    `json:"versionCode"`
}

// form is an update check that claims version 1.0 of id is installed, so
// the gallery answers with its current release.
func (p *Provider) form(id string, opts map[string]string) url.Values {
	params, _ := json.Marshal(map[string][]pkgParam{"params": {{
		OldVersion: "1.0", Package: id, TargetSdkVersion: 19, VersionCode: 1,
	}}})
	locale := "en_US"
	if v := opts["locale"]; v != "" {
		locale = v
	}
	f := url.Values{}
	f.Set("agVersion", "12.0.1")
	f.Set("brand", "Android")
	f.Set("density", "420")
	f.Set("deviceSpecParams", deviceSpec)
	f.Set("firmwareVersion", "10")
	f.Set("isUpdateSdk", "1")
	f.Set("locale", locale)
	f.Set("manufacturer", "Google")
	f.Set("method", "client.updateCheck")
	f.Set("packageName", "com.huawei.appmarket")
	f.Set("phoneType", "Pixel 2")
	f.Set("pkgInfo", string(params))
	f.Set("resolution", "1080_1794")
	f.Set("sdkVersion", "4.0.1.300")
	f.Set("serviceCountry", "IE")
	f.Set("ts", strconv.FormatInt(p.now().UnixMilli(), 10))
	f.Set("ver", "1.2")
	f.Set("version", "12.0.1.301")
	f.Set("versionCode", "120001301")
	return f
}

func (p *Provider) current(ctx context.Context, id string, opts map[string]string) (*apkpackage.ArtifactDescriptor, error) {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	body, err := p.breaker.Do(func() ([]byte, error) {
		return p.client.PostForm(ctx, p.endpoint, p.form(id, opts), h)
	})
	if err != nil {
		return nil, err
	}
	var doc updateCheck
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "decoding update check for %s", id)
	}
	if doc.List == nil || len(*doc.List) == 0 || (*doc.List)[0].DownURL == "" {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "%s is not available from %s", id, p.Kind())
	}
	e := (*doc.List)[0]
	desc := &apkpackage.ArtifactDescriptor{
		ID: id,
		Primary: apkpackage.FileRef{
			URL:          e.DownURL,
			Name:         id + ".apk",
			ExpectedSize: intField(e.Size),
			Role:         apkpackage.Base,
		},
		ResolvedVersion: e.Version,
		VersionCode:     intField(e.VersionCode),
	}
	if sum, err := signature.ParseChecksum(e.SHA256); err == nil && len(sum) == 32 {
		desc.DeclaredChecksum = sum
	}
	return desc, nil
}

// ListVersions returns the single version the gallery currently serves.
func (p *Provider) ListVersions(ctx context.Context, id string, opts map[string]string) ([]apkpackage.VersionInfo, error) {
	desc, err := p.current(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return []apkpackage.VersionInfo{{Version: desc.ResolvedVersion, VersionCode: desc.VersionCode}}, nil
}

// Resolve returns the current release. A pinned version is accepted only
// when it is the current one.
func (p *Provider) Resolve(ctx context.Context, id string, spec apkpackage.VersionSpec, opts map[string]string) (*apkpackage.ArtifactDescriptor, error) {
	desc, err := p.current(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if !spec.IsLatest() && spec.Version() != desc.ResolvedVersion {
		return nil, apkpackage.Errorf(apkpackage.VersionNotFound,
			"%s only serves the current version of %s (%s), not %s", p.Kind(), id, desc.ResolvedVersion, spec.Version())
	}
	return desc, nil
}

// intField reads a number the API sometimes sends as a string.
func intField(raw json.RawMessage) int64 {
	n, _ := strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
	return n
}
