// Package apkpure implements the scraped listing source backed by the
// APKPure version-list API.
package apkpure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/resolver"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/general/slice"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const (
	VersionsURL = "https://api.pureapk.com/m/v3/cms/app_version"

	userAgent       = "Dalvik/2.1.0 (Linux; U; Android 15; Pixel 4a (5G) Build/BP1A.250505.005); APKPure/3.20.53 (Aegon)"
	defaultLanguage = "en-US"
	defaultOSVer    = "35"
)

var defaultABIs = []string{"arm64-v8a", "armeabi-v7a", "armeabi", "x86", "x86_64"}

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint replaces the version-list URL.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *network.Breaker) Option {
	return func(p *Provider) { p.breaker = b }
}

// Provider implements provider.Provider for APKPure.
type Provider struct {
	client   *network.Client
	endpoint string
	breaker  *network.Breaker
}

// New returns an APKPure provider.
func New(client *network.Client, opts ...Option) *Provider {
	p := &Provider{client: client, endpoint: VersionsURL}
	for _, o := range opts {
		o(p)
	}
	if p.breaker == nil {
		p.breaker = network.NewBreaker(apkpackage.ScrapedListing.String(), 0, 0)
	}
	return p
}

// Kind returns ScrapedListing.
func (p *Provider) Kind() apkpackage.SourceKind { return apkpackage.ScrapedListing }

type versionList struct {
	Versions *[]listing `json:"version_list"`
}

type listing struct {
	VersionName string `json:"version_name"`
	Asset       struct {
		URL  string `json:"url"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	} `json:"asset"`
}

type deviceInfo struct {
	DeviceInfo struct {
		ABIs     []string `json:"abis"`
		Language string   `json:"language"`
		OSVer    string   `json:"os_ver"`
	} `json:"device_info"`
}

// header describes the requesting device. The listing is filtered server
// side by the ABIs, language and OS version it announces.
func header(opts map[string]string) http.Header {
	var info deviceInfo
	info.DeviceInfo.ABIs = resolver.ArchPreferences(opts)
	if len(info.DeviceInfo.ABIs) == 0 {
		info.DeviceInfo.ABIs = defaultABIs
	}
	info.DeviceInfo.Language = defaultLanguage
	if v := opts["language"]; v != "" {
		info.DeviceInfo.Language = v
	}
	info.DeviceInfo.OSVer = defaultOSVer
	if v := opts["os_ver"]; v != "" {
		info.DeviceInfo.OSVer = v
	}
	b, _ := json.Marshal(info)

	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Ual-Access-Businessid", "projecta")
	h.Set("Ual-Access-Projecta", string(b))
	return h
}

// listings fetches the version list for id in the source's order, newest
// first. Listings without a download location are dropped.
func (p *Provider) listings(ctx context.Context, id string, opts map[string]string) ([]listing, error) {
	q := url.Values{}
	q.Set("hl", "en-US")
	q.Set("package_name", id)
	u := p.endpoint + "?" + q.Encode()

	body, err := p.breaker.Do(func() ([]byte, error) {
		return p.client.GetBytes(ctx, u, header(opts))
	})
	if err != nil {
		return nil, err
	}
	var doc versionList
	if err := json.Unmarshal(body, &doc); err != nil || doc.Versions == nil {
		if err == nil {
			err = errors.New("no version_list in response")
		}
		// markup drift and outages look the same from here
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "unexpected version list for %s", id)
	}
	out := make([]listing, 0, len(*doc.Versions))
	for _, l := range *doc.Versions {
		if l.Asset.URL == "" || l.VersionName == "" {
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "%s is not available from %s", id, p.Kind())
	}
	return out, nil
}

// ListVersions returns the distinct version names in listing order.
func (p *Provider) ListVersions(ctx context.Context, id string, opts map[string]string) ([]apkpackage.VersionInfo, error) {
	ls, err := p.listings(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ls))
	for i, l := range ls {
		names[i] = l.VersionName
	}
	var out []apkpackage.VersionInfo
	for _, n := range slice.Dedup(names) {
		out = append(out, apkpackage.VersionInfo{Version: n})
	}
	return out, nil
}

// Resolve picks the first listing matching spec. XAPK bundles keep their
// extension so they are not mistaken for plain APKs.
func (p *Provider) Resolve(ctx context.Context, id string, spec apkpackage.VersionSpec, opts map[string]string) (*apkpackage.ArtifactDescriptor, error) {
	ls, err := p.listings(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	cands := make([]resolver.Candidate, len(ls))
	for i, l := range ls {
		cands[i] = resolver.Candidate{Version: l.VersionName, Order: i, Index: i}
	}
	sel, err := resolver.Select(cands, spec, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	l := ls[sel.Index]

	ext := ".apk"
	if strings.EqualFold(l.Asset.Type, "XAPK") {
		ext = ".xapk"
	}
	desc := &apkpackage.ArtifactDescriptor{
		ID: id,
		Primary: apkpackage.FileRef{
			URL:          l.Asset.URL,
			Name:         id + ext,
			ExpectedSize: l.Asset.Size,
			Role:         apkpackage.Base,
		},
		ResolvedVersion: l.VersionName,
	}
	// the listing names no ABI; only a single announced one identifies it
	if archs := resolver.ArchPreferences(opts); len(archs) == 1 {
		desc.Arch = archs[0]
	}
	logger.Logger().Debugw("listing selected", "app", id, "version", l.VersionName, "type", l.Asset.Type)
	return desc, nil
}
