package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/config"
	"github.com/open-edge-platform/apk-fetcher/internal/orchestrator"
	"github.com/open-edge-platform/apk-fetcher/internal/pkgfetcher"
	"github.com/open-edge-platform/apk-fetcher/internal/provider"
	"github.com/open-edge-platform/apk-fetcher/internal/provider/apkpure"
	"github.com/open-edge-platform/apk-fetcher/internal/provider/fdroid"
	"github.com/open-edge-platform/apk-fetcher/internal/provider/googleplay"
	"github.com/open-edge-platform/apk-fetcher/internal/provider/huawei"
	"github.com/open-edge-platform/apk-fetcher/internal/repoindex"
	"github.com/open-edge-platform/apk-fetcher/internal/resolver"
	"github.com/open-edge-platform/apk-fetcher/internal/signature"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

// indexCacheDir is the subdirectory of the cache dir holding repository indexes
const indexCacheDir = "index"

// environment holds the collaborators shared by every subcommand.
type environment struct {
	helpers  *config.ConfigHelpers
	client   *network.Client
	cache    *repoindex.Cache
	fdroid   *fdroid.Provider
	registry *provider.Registry
	keyring  openpgp.EntityList
}

func newEnvironment(cfg *config.GlobalConfig) (*environment, error) {
	log := logger.Logger()
	h := config.NewConfigHelpers(cfg)

	cacheDir, err := h.CreateCacheDir()
	if err != nil {
		return nil, fmt.Errorf("preparing cache directory: %w", err)
	}
	keyring, err := loadKeyring(h.KeyringPath())
	if err != nil {
		return nil, err
	}

	client := network.NewClient(network.WithTimeout(h.HTTPTimeout()))
	cache := repoindex.NewCache(filepath.Join(cacheDir, indexCacheDir), client, h.IndexMaxAge())

	var fdroidOpts []fdroid.Option
	if len(keyring) > 0 {
		fdroidOpts = append(fdroidOpts, fdroid.WithKeyring(keyring))
		log.Debugw("package signatures enabled", "keys", len(keyring))
	}
	fd := fdroid.New(cache, client, fdroidOpts...)

	// TODO: pass a store session built from sources.google-play.email and
	// aas_token once a session client is available.
	gp := googleplay.New(googleplay.UnconfiguredSession{})

	return &environment{
		helpers:  h,
		client:   client,
		cache:    cache,
		fdroid:   fd,
		registry: provider.NewRegistry(fd, apkpure.New(client), huawei.New(client), gp),
		keyring:  keyring,
	}, nil
}

func loadKeyring(path string) (openpgp.EntityList, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pgp_keyring: %w", err)
	}
	ring, err := signature.ReadKeyRing(data)
	if err != nil {
		return nil, fmt.Errorf("parsing pgp_keyring %s: %w", path, err)
	}
	return ring, nil
}

func (e *environment) resolver() *resolver.Resolver {
	return resolver.New(e.registry)
}

func (e *environment) fetcher() *pkgfetcher.Fetcher {
	opts := []pkgfetcher.Option{
		pkgfetcher.WithFanOut(e.helpers.FanOut()),
		pkgfetcher.WithAttempts(e.helpers.FetchAttempts()),
	}
	if len(e.keyring) > 0 {
		opts = append(opts, pkgfetcher.WithKeyring(e.keyring))
	}
	return pkgfetcher.New(e.client, opts...)
}

// orchestratorOptions applies the configured per-source limits. sleep, when
// positive, overrides the pacing interval of every source.
func (e *environment) orchestratorOptions(sleep time.Duration) []orchestrator.Option {
	cfg := e.helpers.GetConfig()
	opts := []orchestrator.Option{orchestrator.WithWorkers(e.helpers.Workers())}
	for _, kind := range apkpackage.SourceKinds() {
		sc := cfg.Source(kind)
		limits := orchestrator.SourceLimits{MaxConcurrency: sc.MaxConcurrency, Interval: sc.Interval}
		if sleep > 0 {
			limits.Interval = sleep
		}
		if limits.MaxConcurrency > 0 || limits.Interval > 0 {
			opts = append(opts, orchestrator.WithSourceLimits(kind, limits))
		}
	}
	return opts
}
