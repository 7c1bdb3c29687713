// Package googleplay implements the token session source. The store
// protocol itself (login, device check-in, delivery tokens) lives behind
// the Session interface; this package only maps what a session reports
// onto artifact descriptors.
package googleplay

import (
	"context"
	"fmt"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

const (
	DefaultDevice = "px_7a"
	DefaultLocale = "en_US"
)

// Profile is the device a session impersonates.
type Profile struct {
	Device   string
	Locale   string
	Timezone string
}

// Delivery is one downloadable file of an app.
type Delivery struct {
	Name   string // split name, or "main"/"patch" for expansion files
	URL    string
	Size   int64
	SHA256 []byte
}

// Details is what the store offers for an app on the session's device.
type Details struct {
	Version     string
	VersionCode int64
	Base        Delivery
	Splits      []Delivery
	Expansions  []Delivery
}

// Session is an authenticated store client. Implementations return
// NotFound for unknown apps and SourceUnavailable for transport or
// protocol failures.
type Session interface {
	Details(ctx context.Context, id string, profile Profile) (*Details, error)
}

// UnconfiguredSession is used when no credentials are configured; every
// call fails with SourceUnavailable.
type UnconfiguredSession struct{}

func (UnconfiguredSession) Details(_ context.Context, id string, _ Profile) (*Details, error) {
	return nil, apkpackage.Errorf(apkpackage.SourceUnavailable,
		"cannot look up %s: no google-play session configured (email and aas_token)", id)
}

// Provider implements provider.Provider over a Session.
type Provider struct {
	session Session
}

// New returns a provider using session. A nil session behaves as
// UnconfiguredSession.
func New(session Session) *Provider {
	if session == nil {
		session = UnconfiguredSession{}
	}
	return &Provider{session: session}
}

// Kind returns TokenSession.
func (p *Provider) Kind() apkpackage.SourceKind { return apkpackage.TokenSession }

func profile(opts map[string]string) Profile {
	pr := Profile{Device: DefaultDevice, Locale: DefaultLocale, Timezone: opts["timezone"]}
	if v := opts["device"]; v != "" {
		pr.Device = v
	}
	if v := opts["locale"]; v != "" {
		pr.Locale = v
	}
	return pr
}

func (p *Provider) details(ctx context.Context, id string, opts map[string]string) (*Details, error) {
	d, err := p.session.Details(ctx, id, profile(opts))
	if err != nil {
		return nil, err
	}
	if d == nil || d.Base.URL == "" {
		return nil, apkpackage.Errorf(apkpackage.SourceUnavailable, "store returned no delivery for %s", id)
	}
	return d, nil
}

// ListVersions returns the version the store currently delivers to the
// session's device. Older versions are not offered.
func (p *Provider) ListVersions(ctx context.Context, id string, opts map[string]string) ([]apkpackage.VersionInfo, error) {
	d, err := p.details(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return []apkpackage.VersionInfo{{Version: d.Version, VersionCode: d.VersionCode}}, nil
}

// Resolve maps the current delivery onto a descriptor. Split APKs require
// split_apk; expansion files are included with include_additional_files.
func (p *Provider) Resolve(ctx context.Context, id string, spec apkpackage.VersionSpec, opts map[string]string) (*apkpackage.ArtifactDescriptor, error) {
	d, err := p.details(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if !spec.IsLatest() && spec.Version() != d.Version {
		return nil, apkpackage.Errorf(apkpackage.VersionNotFound,
			"%s only delivers the current version of %s (%s), not %s", p.Kind(), id, d.Version, spec.Version())
	}
	split := apkpackage.OptionBool(opts, "split_apk", false)
	if len(d.Splits) > 0 && !split {
		return nil, apkpackage.Errorf(apkpackage.InvalidRequest,
			"%s is delivered as %d split APKs; set split_apk=1 to download the bundle", id, len(d.Splits)+1)
	}

	desc := &apkpackage.ArtifactDescriptor{
		ID:               id,
		Primary:          fileRef(d.Base, id+".apk", apkpackage.Base),
		ResolvedVersion:  d.Version,
		VersionCode:      d.VersionCode,
		DeclaredChecksum: d.Base.SHA256,
	}
	for _, s := range d.Splits {
		desc.Auxiliary = append(desc.Auxiliary, fileRef(s, s.Name+".apk", apkpackage.SplitConfig))
	}
	if apkpackage.OptionBool(opts, "include_additional_files", false) {
		for _, e := range d.Expansions {
			// Android expects <main|patch>.<versionCode>.<package>.obb
			name := fmt.Sprintf("%s.%d.%s.obb", e.Name, d.VersionCode, id)
			desc.Auxiliary = append(desc.Auxiliary, fileRef(e, name, apkpackage.Expansion))
		}
	}
	if len(desc.Auxiliary) > 0 {
		desc.Primary.Name = "base.apk"
	}
	return desc, nil
}

func fileRef(d Delivery, name string, role apkpackage.FileRole) apkpackage.FileRef {
	return apkpackage.FileRef{URL: d.URL, Name: name, ExpectedSize: d.Size, Role: role, Checksum: d.SHA256}
}
