// Package resolver turns acquisition requests into artifact descriptors by
// dispatching to the provider registered for the request's source.
package resolver

import (
	"bytes"
	"context"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/provider"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

// Resolver resolves requests against a provider registry.
type Resolver struct {
	registry *provider.Registry
}

// New returns a Resolver backed by registry.
func New(registry *provider.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Provider returns the provider serving kind.
func (r *Resolver) Provider(kind apkpackage.SourceKind) (provider.Provider, error) {
	p, ok := r.registry.Get(kind)
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.InvalidRequest, "download source %s is not available", kind)
	}
	return p, nil
}

// Resolve returns the descriptor for req. The descriptor is checked for the
// fields every later phase relies on.
func (r *Resolver) Resolve(ctx context.Context, req apkpackage.AcquisitionRequest) (*apkpackage.ArtifactDescriptor, error) {
	log := logger.Logger()
	p, err := r.Provider(req.Source)
	if err != nil {
		return nil, err
	}
	desc, err := p.Resolve(ctx, req.ID, req.Version, req.Options)
	if err != nil {
		return nil, err
	}
	if err := validate(req, desc); err != nil {
		return nil, err
	}
	for _, w := range desc.Warnings {
		log.Warnw("resolution warning", "app", req.ID, "source", req.Source.String(), "warning", w)
	}
	log.Debugw("resolved", "app", req.ID, "source", req.Source.String(),
		"version", desc.ResolvedVersion, "files", 1+len(desc.Auxiliary))
	return desc, nil
}

// ListVersions returns the versions req's source offers for req.ID.
func (r *Resolver) ListVersions(ctx context.Context, req apkpackage.AcquisitionRequest) ([]apkpackage.VersionInfo, error) {
	p, err := r.Provider(req.Source)
	if err != nil {
		return nil, err
	}
	return p.ListVersions(ctx, req.ID, req.Options)
}

func validate(req apkpackage.AcquisitionRequest, desc *apkpackage.ArtifactDescriptor) error {
	if desc == nil {
		return apkpackage.Errorf(apkpackage.SourceUnavailable, "%s returned no descriptor for %s", req.Source, req.ID)
	}
	if desc.Primary.URL == "" {
		return apkpackage.Errorf(apkpackage.SourceUnavailable, "%s returned no download location for %s", req.Source, req.ID)
	}
	if !req.Version.IsLatest() && desc.ResolvedVersion != "" && desc.ResolvedVersion != req.Version.Version() {
		return apkpackage.Errorf(apkpackage.VersionNotFound, "requested version %s of %s but %s offers %s",
			req.Version.Version(), req.ID, req.Source, desc.ResolvedVersion)
	}
	if desc.ID == "" {
		desc.ID = req.ID
	}
	if desc.ResolvedVersion == "" && !req.Version.IsLatest() {
		desc.ResolvedVersion = req.Version.Version()
	}
	names := map[string]bool{}
	for i, f := range desc.Files() {
		if f.URL == "" {
			return apkpackage.Errorf(apkpackage.SourceUnavailable, "file %d of %s has no download location", i, req.ID)
		}
		if f.Name != "" {
			if names[f.Name] {
				return apkpackage.Errorf(apkpackage.SourceUnavailable, "%s lists file %s twice", req.ID, f.Name)
			}
			names[f.Name] = true
		}
	}
	if len(desc.DeclaredChecksum) > 0 && len(desc.Primary.Checksum) > 0 &&
		!bytes.Equal(desc.DeclaredChecksum, desc.Primary.Checksum) {
		return apkpackage.Errorf(apkpackage.ChecksumMismatch, "descriptor for %s carries conflicting checksums", req.ID)
	}
	return nil
}
