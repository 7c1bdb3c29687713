package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// Provider is the interface every download source must implement.
type Provider interface {
	// Kind is the source this provider serves.
	Kind() apkpackage.SourceKind

	// ListVersions returns the versions the source offers for id, newest
	// first. An unknown id fails with NotFound.
	ListVersions(ctx context.Context, id string, opts map[string]string) ([]apkpackage.VersionInfo, error)

	// Resolve turns a version spec into a downloadable descriptor. It performs
	// network I/O only and never writes to the local filesystem.
	Resolve(ctx context.Context, id string, spec apkpackage.VersionSpec, opts map[string]string) (*apkpackage.ArtifactDescriptor, error)
}

// Verifier is implemented by providers that publish signed metadata. The
// orchestrator runs VerifyDescriptor between resolution and assembly.
type Verifier interface {
	VerifyDescriptor(ctx context.Context, desc *apkpackage.ArtifactDescriptor, opts map[string]string) error
}

// Registry maps each SourceKind to its Provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[apkpackage.SourceKind]Provider
}

// NewRegistry returns a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[apkpackage.SourceKind]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register makes a Provider available under its Kind(), replacing any
// previous registration.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the Provider for kind.
func (r *Registry) Get(kind apkpackage.SourceKind) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	return p, ok
}

// Kinds lists the registered sources in declaration order.
func (r *Registry) Kinds() []apkpackage.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]apkpackage.SourceKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
