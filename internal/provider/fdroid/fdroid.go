// Package fdroid implements the signed repository source: F-Droid style
// repositories that publish a JAR-signed index.
package fdroid

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/sync/singleflight"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex"
	"github.com/open-edge-platform/apk-fetcher/internal/resolver"
	"github.com/open-edge-platform/apk-fetcher/internal/signature"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/general/slice"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const (
	OfficialRepo        = "https://f-droid.org/repo"
	OfficialFingerprint = "43238d512c1e5eb2d6569f4a3afbf5523418b82e0a3ed1552770abb9a9c9ccab"
)

// Option configures a Provider.
type Option func(*Provider)

// WithKeyring enables OpenPGP verification of APKs: the provider fetches the
// detached .asc signature published next to each APK.
func WithKeyring(ring openpgp.KeyRing) Option {
	return func(p *Provider) { p.keyring = ring }
}

// Provider implements provider.Provider and provider.Verifier.
type Provider struct {
	cache   *repoindex.Cache
	client  *network.Client
	keyring openpgp.KeyRing

	group  singleflight.Group
	mu     sync.Mutex
	loaded map[string]*loadedIndex
}

// loadedIndex is a verified, merged index kept for the lifetime of the
// provider so a batch reads each repository once.
type loadedIndex struct {
	index    *repoindex.RepositoryIndex
	warnings []string
}

// New returns a provider reading indexes through cache.
func New(cache *repoindex.Cache, client *network.Client, opts ...Option) *Provider {
	p := &Provider{cache: cache, client: client, loaded: map[string]*loadedIndex{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind returns SignedRepository.
func (p *Provider) Kind() apkpackage.SourceKind { return apkpackage.SignedRepository }

// settings are the repository related request options.
type settings struct {
	repo        string
	fingerprint []byte // nil means trust on first use
	mirrors     []string
	useEntry    bool
	bypass      bool
}

func (s settings) key() string {
	return fmt.Sprintf("%s|%x|%s|%t|%t", s.repo, s.fingerprint, strings.Join(s.mirrors, ","), s.useEntry, s.bypass)
}

// parseSettings reads repo=URL[?fingerprint=HEX], fingerprint, mirrors,
// use_entry and verify-index. The official repository is pinned to its
// published signer unless a fingerprint is given.
func parseSettings(opts map[string]string) (settings, error) {
	s := settings{repo: OfficialRepo, useEntry: true}
	fp := opts["fingerprint"]
	if raw := opts["repo"]; raw != "" {
		repo, pinned, _ := strings.Cut(raw, "?fingerprint=")
		s.repo = strings.TrimSuffix(repo, "/")
		if pinned != "" {
			fp = pinned
		}
	}
	canon, err := repoindex.CanonicalURL(s.repo)
	if err != nil {
		return s, err
	}
	if fp == "" && canon == OfficialRepo {
		fp = OfficialFingerprint
	}
	if fp != "" {
		if s.fingerprint, err = signature.ParseFingerprint(fp); err != nil {
			return s, err
		}
	}
	s.useEntry = apkpackage.OptionBool(opts, "use_entry", true)
	s.bypass = !apkpackage.OptionBool(opts, "verify-index", true)
	for _, m := range slice.Dedup(slice.SplitList(opts["mirrors"], ";,")) {
		if m = strings.TrimSuffix(m, "/"); m != s.repo {
			s.mirrors = append(s.mirrors, m)
		}
	}
	return s, nil
}

// ListVersions returns every build the repository and its mirrors publish
// for id, newest first. Builds mirrored under the same version code are
// listed once.
func (p *Provider) ListVersions(ctx context.Context, id string, opts map[string]string) ([]apkpackage.VersionInfo, error) {
	s, err := parseSettings(opts)
	if err != nil {
		return nil, err
	}
	l, err := p.index(ctx, s, false)
	if err != nil {
		return nil, err
	}
	entries, ok := l.index.Lookup(id)
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "%s is not published by %s", id, s.repo)
	}
	var out []apkpackage.VersionInfo
	seen := map[string]bool{}
	for _, e := range entries {
		key := fmt.Sprintf("%d|%s|%s", e.VersionCode, e.Version, strings.Join(e.NativeCode, ","))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, apkpackage.VersionInfo{Version: e.Version, VersionCode: e.VersionCode, Arch: e.NativeCode})
	}
	return out, nil
}

// Resolve picks the build matching spec and the arch preferences in opts.
func (p *Provider) Resolve(ctx context.Context, id string, spec apkpackage.VersionSpec, opts map[string]string) (*apkpackage.ArtifactDescriptor, error) {
	s, err := parseSettings(opts)
	if err != nil {
		return nil, err
	}
	l, err := p.index(ctx, s, false)
	if err != nil {
		return nil, err
	}
	entries, ok := l.index.Lookup(id)
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "%s is not published by %s", id, s.repo)
	}

	// Order stays zero: version codes order the index, and two different
	// builds sharing a code must surface as ambiguous.
	cands := make([]resolver.Candidate, len(entries))
	for i, e := range entries {
		cands[i] = resolver.Candidate{
			Version:     e.Version,
			VersionCode: e.VersionCode,
			NativeCode:  e.NativeCode,
			Priority:    e.Priority,
			Checksum:    e.Checksum,
			Index:       i,
		}
	}
	sel, err := resolver.Select(cands, spec, resolver.ArchPreferences(opts))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	e := entries[sel.Index]

	desc := &apkpackage.ArtifactDescriptor{
		ID: id,
		Primary: apkpackage.FileRef{
			URL:          e.Repository + "/" + e.APKName,
			Name:         path.Base(e.APKName),
			ExpectedSize: e.Size,
			Role:         apkpackage.Base,
		},
		ResolvedVersion:  e.Version,
		VersionCode:      e.VersionCode,
		Arch:             sel.Arch,
		DeclaredChecksum: e.Checksum,
		Trusted:          l.index.Trusted,
		Warnings:         append([]string(nil), l.warnings...),
	}
	if sel.Warning != "" {
		desc.Warnings = append(desc.Warnings, sel.Warning)
	}
	return desc, nil
}

// VerifyDescriptor re-checks desc against the verified index: the declared
// checksum must be the one the signed index publishes for that version.
// With a keyring configured the APK's detached OpenPGP signature is
// fetched so the assembler can check it.
func (p *Provider) VerifyDescriptor(ctx context.Context, desc *apkpackage.ArtifactDescriptor, opts map[string]string) error {
	log := logger.Logger()
	s, err := parseSettings(opts)
	if err != nil {
		return err
	}
	l, err := p.index(ctx, s, false)
	if err != nil {
		return err
	}
	if !l.index.Trusted {
		log.Warnw("INDEX SIGNATURE VERIFICATION IS DISABLED, artifact is not backed by a verified index",
			"app", desc.ID, "repo", s.repo)
		desc.Trusted = false
	}

	entries, _ := l.index.Lookup(desc.ID)
	matched := false
	for _, e := range entries {
		if e.Version == desc.ResolvedVersion && e.VersionCode == desc.VersionCode &&
			bytes.Equal(e.Checksum, desc.DeclaredChecksum) {
			matched = true
			break
		}
	}
	if !matched {
		return apkpackage.Errorf(apkpackage.ChecksumMismatch,
			"%s %s does not match any build in the index of %s", desc.ID, desc.ResolvedVersion, s.repo)
	}
	if len(desc.DeclaredChecksum) == 0 {
		desc.Warnings = append(desc.Warnings,
			fmt.Sprintf("index of %s publishes no sha256 for %s %s", s.repo, desc.ID, desc.ResolvedVersion))
	}

	if p.keyring == nil {
		return nil
	}
	sig, err := p.client.GetBytes(ctx, desc.Primary.URL+".asc", nil)
	switch {
	case apkpackage.IsKind(err, apkpackage.NotFound):
		desc.Warnings = append(desc.Warnings, fmt.Sprintf("no OpenPGP signature published for %s", desc.Primary.Name))
		return nil
	case err != nil:
		return err
	}
	desc.Primary.Signature = sig
	return nil
}

// IndexSummary describes a loaded repository index.
type IndexSummary struct {
	Repo        string
	Name        string
	Format      string
	Fingerprint string
	Trusted     bool
	Apps        int
	Warnings    []string
}

// Refresh force-downloads the index for the repository selected by opts and
// returns what was loaded.
func (p *Provider) Refresh(ctx context.Context, opts map[string]string) (*IndexSummary, error) {
	s, err := parseSettings(opts)
	if err != nil {
		return nil, err
	}
	l, err := p.index(ctx, s, true)
	if err != nil {
		return nil, err
	}
	return &IndexSummary{
		Repo:        s.repo,
		Name:        l.index.Name,
		Format:      l.index.Format,
		Fingerprint: signature.FormatFingerprint(l.index.Fingerprint),
		Trusted:     l.index.Trusted,
		Apps:        len(l.index.Entries),
		Warnings:    l.warnings,
	}, nil
}

// index returns the verified index for s, loading it at most once per
// provider unless force is set. Concurrent requests share one load.
func (p *Provider) index(ctx context.Context, s settings, force bool) (*loadedIndex, error) {
	key := s.key()
	if !force {
		p.mu.Lock()
		l := p.loaded[key]
		p.mu.Unlock()
		if l != nil {
			if s.bypass {
				logger.Logger().Warnw("INDEX SIGNATURE VERIFICATION IS DISABLED", "repo", s.repo)
			}
			return l, nil
		}
	}
	v, err, _ := p.group.Do(fmt.Sprintf("%s|%t", key, force), func() (any, error) {
		l, err := p.load(ctx, s, force)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.loaded[key] = l
		p.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadedIndex), nil
}

func (p *Provider) load(ctx context.Context, s settings, force bool) (*loadedIndex, error) {
	log := logger.Logger()
	l := &loadedIndex{}

	if s.bypass {
		log.Warnw("INDEX SIGNATURE VERIFICATION IS DISABLED, repository content is untrusted", "repo", s.repo)
		l.warnings = append(l.warnings, "index signature verification disabled for "+s.repo)
	}

	fp := s.fingerprint
	firstUse := false
	if fp == nil && !s.bypass {
		pinned, ok, err := p.cache.Pinned(s.repo)
		if err != nil {
			return nil, err
		}
		if ok {
			fp = pinned
		} else {
			firstUse = true
		}
	}

	var (
		indexes    []*repoindex.RepositoryIndex
		primaryErr error
	)
	for i, u := range append([]string{s.repo}, s.mirrors...) {
		lo := repoindex.LoadOptions{Fingerprint: fp, Bypass: s.bypass, Priority: i, Address: u}
		idx, warnings, err := p.fetch(ctx, u, lo, s.useEntry, force)
		if err != nil {
			// integrity failures are never skipped over
			if apkpackage.KindOf(err).Integrity() || apkpackage.IsKind(err, apkpackage.Cancelled) {
				return nil, err
			}
			if i == 0 {
				primaryErr = err
			}
			log.Warnw("repository unavailable", "repo", u, "error", err)
			continue
		}
		if fp == nil && !s.bypass {
			fp = idx.Fingerprint
		}
		l.warnings = append(l.warnings, warnings...)
		indexes = append(indexes, idx)
	}
	if len(indexes) == 0 {
		return nil, primaryErr
	}
	if primaryErr != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("%s unavailable, using mirrors: %v", s.repo, primaryErr))
	}

	if firstUse {
		if err := p.cache.Pin(s.repo, fp); err != nil {
			return nil, err
		}
		display := signature.FormatFingerprint(fp)
		log.Warnw("trusting repository signer on first use", "repo", s.repo, "fingerprint", display)
		l.warnings = append(l.warnings, fmt.Sprintf(
			"trusted signer %s of %s on first use; pin it with repo=%s?fingerprint=%x", display, s.repo, s.repo, fp))
	}

	merged := indexes[0]
	merged.Merge(indexes[1:]...)
	l.index = merged
	log.Debugw("repository index loaded", "repo", s.repo, "format", merged.Format,
		"apps", len(merged.Entries), "mirrors", len(indexes)-1, "trusted", merged.Trusted)
	return l, nil
}

// fetch loads one repository's index. An entry point whose signed digest
// does not match the cached index is retried once with a forced refresh,
// since the two files may have been cached at different times.
func (p *Provider) fetch(ctx context.Context, repoURL string, lo repoindex.LoadOptions, useEntry, force bool) (*repoindex.RepositoryIndex, []string, error) {
	var warnings []string
	get := func(ctx context.Context, name string, force bool) ([]byte, error) {
		res, err := p.cache.Get(ctx, repoURL, name, force)
		if err != nil {
			return nil, err
		}
		if res.Stale {
			warnings = append(warnings, res.Warning)
		}
		return res.Data, nil
	}

	if !useEntry {
		jar, err := get(ctx, repoindex.V1JarName, force)
		if err != nil {
			return nil, nil, err
		}
		idx, err := repoindex.LoadV1(jar, lo)
		return idx, warnings, err
	}

	loadV2 := func(force bool) (*repoindex.RepositoryIndex, error) {
		jar, err := get(ctx, repoindex.EntryJar, force)
		if err != nil {
			return nil, err
		}
		return repoindex.LoadV2(ctx, jar, lo, func(ctx context.Context, name string) ([]byte, error) {
			return get(ctx, name, force)
		})
	}
	idx, err := loadV2(force)
	if err != nil && !force && apkpackage.IsKind(err, apkpackage.SignatureInvalid) {
		warnings = nil
		idx, err = loadV2(true)
	}
	return idx, warnings, err
}
