package repoindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dchest/safefile"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const (
	DefaultMaxAge = time.Hour

	lockRetryDelay = 100 * time.Millisecond
	maxIndexSize   = 512 << 20
)

// Result is the outcome of a cache lookup.
type Result struct {
	Data      []byte
	FetchedAt time.Time
	FromCache bool   // served from disk without downloading
	Stale     bool   // served from disk because the refresh failed
	Warning   string // set when Stale
}

type metadata struct {
	URL       string    `json:"url"`
	ETag      string    `json:"etag,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Size      int64     `json:"size"`
}

// Cache keeps repository index files on disk, one directory per canonical
// repository URL. Readers never see a partial file: every write goes to a
// temporary file that is renamed into place.
type Cache struct {
	dir    string
	client *network.Client
	maxAge time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewCache returns a cache rooted at dir. A zero maxAge uses DefaultMaxAge;
// a negative one forces a conditional request on every Get.
func NewCache(dir string, client *network.Client, maxAge time.Duration) *Cache {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{dir: dir, client: client, maxAge: maxAge, now: time.Now}
}

// Dir is the root of the cache.
func (c *Cache) Dir() string { return c.dir }

// Get returns file (e.g. "entry.jar") of the repository at repoURL. Fresh
// cached copies are returned without network access unless force is set.
// When the download fails with a transient error and a cached copy exists,
// the copy is returned with Stale set instead of failing.
func (c *Cache) Get(ctx context.Context, repoURL, file string, force bool) (*Result, error) {
	canon, err := CanonicalURL(repoURL)
	if err != nil {
		return nil, err
	}
	if err := checkFileName(file); err != nil {
		return nil, err
	}
	key := canon + "|" + file + "|" + fmt.Sprint(force)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.get(ctx, canon, file, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Cache) get(ctx context.Context, canon, file string, force bool) (*Result, error) {
	log := logger.Logger()
	dir := c.entryDir(canon)
	dataPath, err := securejoin.SecureJoin(dir, file)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "cache path for %q", file)
	}
	metaPath := dataPath + ".meta.json"

	if !force {
		if res, ok := c.fresh(dataPath, metaPath); ok {
			log.Debugw("index served from cache", "repo", canon, "file", file)
			return res, nil
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "creating cache directory")
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.Cancelled, err, "waiting for cache lock on %s", canon)
	}
	if !locked {
		return nil, apkpackage.Errorf(apkpackage.IOFailure, "could not lock cache for %s", canon)
	}
	defer func() { _ = lock.Unlock() }()

	// another process may have refreshed while we waited for the lock
	if !force {
		if res, ok := c.fresh(dataPath, metaPath); ok {
			return res, nil
		}
	}

	cached, _ := os.ReadFile(dataPath)
	meta, _ := readMeta(metaPath)

	res, err := c.download(ctx, canon, file, cached, meta, dataPath, metaPath)
	if err == nil {
		return res, nil
	}
	if cached == nil || apkpackage.KindOf(err) != apkpackage.SourceUnavailable {
		return nil, err
	}

	warning := fmt.Sprintf("using stale cached %s for %s: %v", file, canon, err)
	log.Warnw("index refresh failed, falling back to cached copy",
		"repo", canon, "file", file, "fetched_at", meta.FetchedAt, "error", err)
	return &Result{Data: cached, FetchedAt: meta.FetchedAt, FromCache: true, Stale: true, Warning: warning}, nil
}

func (c *Cache) download(ctx context.Context, canon, file string, cached []byte, meta metadata,
	dataPath, metaPath string) (*Result, error) {
	log := logger.Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canon+"/"+file, nil)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "building index request")
	}
	if cached != nil && meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	now := c.now()
	if resp.StatusCode == http.StatusNotModified {
		if cached == nil {
			return nil, apkpackage.Errorf(apkpackage.SourceUnavailable, "server answered 304 without a cached copy")
		}
		meta.FetchedAt = now
		if err := writeMeta(metaPath, meta); err != nil {
			return nil, err
		}
		log.Debugw("index not modified", "repo", canon, "file", file)
		return &Result{Data: cached, FetchedAt: now, FromCache: true}, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexSize+1))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "reading %s", file)
	}
	if len(data) > maxIndexSize {
		return nil, apkpackage.Errorf(apkpackage.SourceUnavailable, "%s exceeds %s", file, humanize.Bytes(maxIndexSize))
	}

	if err := safefile.WriteFile(dataPath, data, 0644); err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "writing cached %s", file)
	}
	meta = metadata{URL: canon, ETag: resp.Header.Get("ETag"), FetchedAt: now, Size: int64(len(data))}
	if err := writeMeta(metaPath, meta); err != nil {
		return nil, err
	}
	log.Infow("index downloaded", "repo", canon, "file", file, "size", humanize.Bytes(uint64(len(data))))
	return &Result{Data: data, FetchedAt: now}, nil
}

func (c *Cache) fresh(dataPath, metaPath string) (*Result, bool) {
	if c.maxAge < 0 {
		return nil, false
	}
	meta, err := readMeta(metaPath)
	if err != nil || c.now().Sub(meta.FetchedAt) > c.maxAge {
		return nil, false
	}
	data, err := os.ReadFile(dataPath)
	if err != nil || int64(len(data)) != meta.Size {
		return nil, false
	}
	return &Result{Data: data, FetchedAt: meta.FetchedAt, FromCache: true}, true
}

// Clear removes every cached repository.
func (c *Cache) Clear() error {
	if err := os.RemoveAll(filepath.Join(c.dir, "fdroid")); err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "clearing index cache")
	}
	return nil
}

// checkFileName accepts only a single plain path element.
func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return apkpackage.Errorf(apkpackage.InvalidRequest, "index file name %q is not a plain file name", name)
	}
	return nil
}

func (c *Cache) entryDir(canon string) string {
	sum := sha256.Sum256([]byte(canon))
	return filepath.Join(c.dir, "fdroid", hex.EncodeToString(sum[:8]))
}

func readMeta(path string) (metadata, error) {
	var m metadata
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}

func writeMeta(path string, m metadata) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := safefile.WriteFile(path, b, 0644); err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "writing cache metadata")
	}
	return nil
}

// CanonicalURL normalises a repository URL so that spellings of the same
// repository share one cache entry: lowercase scheme and host, no default
// port, no trailing slash, no query or fragment.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", apkpackage.Wrap(apkpackage.InvalidRequest, err, "invalid repository URL %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", apkpackage.Errorf(apkpackage.InvalidRequest, "repository URL %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}
