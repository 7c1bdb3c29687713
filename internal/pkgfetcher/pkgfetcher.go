// Package pkgfetcher downloads the files of one artifact with bounded
// parallelism, verifying each file as it streams to disk.
package pkgfetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/signature"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/network"
)

const (
	DefaultFanOut   = 4
	DefaultAttempts = 3
)

// Job is one file to download to Dest.
type Job struct {
	File apkpackage.FileRef
	Dest string
}

// Result describes a completed Job.
type Result struct {
	Path   string
	Bytes  int64
	Digest []byte // sha256, or sha1 when the file declared a sha1 checksum
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithFanOut bounds how many files of one artifact download at once.
func WithFanOut(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.fanOut = n
		}
	}
}

// WithAttempts sets how often a transfer is tried before giving up.
func WithAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithRetryInterval sets the initial delay between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.interval = d }
}

// WithKeyring verifies files that carry a detached OpenPGP signature.
func WithKeyring(ring openpgp.KeyRing) Option {
	return func(f *Fetcher) { f.keyring = ring }
}

// Fetcher downloads artifact files.
type Fetcher struct {
	client   *network.Client
	fanOut   int
	attempts int
	interval time.Duration
	keyring  openpgp.KeyRing
}

// New returns a Fetcher using client for transfers.
func New(client *network.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		fanOut:   DefaultFanOut,
		attempts: DefaultAttempts,
		interval: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads every job, at most fan-out at a time. The first failure
// cancels the remaining transfers and is returned; files already written
// are left for the caller to clean up. progress, when non-nil, receives
// byte counts from all transfers and must be safe for concurrent use.
func (f *Fetcher) Fetch(ctx context.Context, jobs []Job, progress func(int64)) ([]Result, error) {
	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.fanOut)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := f.fetchOne(gctx, job, progress)
			if err != nil {
				return err
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchOne retries transient failures with exponential backoff. Integrity
// and local I/O failures are permanent.
func (f *Fetcher) fetchOne(ctx context.Context, job Job, progress func(int64)) (*Result, error) {
	log := logger.Logger()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.interval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.attempts-1)), ctx)

	var res *Result
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		r, err := f.transfer(ctx, job, progress)
		if err == nil {
			res = r
			return nil
		}
		if !apkpackage.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		log.Warnw("transfer failed", "file", job.File.Name, "attempt", attempt, "of", f.attempts, "error", err)
		return err
	}, b)
	if err != nil {
		if ctx.Err() != nil && !apkpackage.IsKind(err, apkpackage.Cancelled) {
			return nil, apkpackage.Wrap(apkpackage.Cancelled, ctx.Err(), "fetching %s", job.File.Name)
		}
		return nil, err
	}
	log.Debugw("file fetched", "file", job.File.Name, "size", humanize.Bytes(uint64(res.Bytes)), "attempts", attempt)
	return res, nil
}

func (f *Fetcher) transfer(ctx context.Context, job Job, progress func(int64)) (*Result, error) {
	digest, err := signature.NewDigester(job.File.Checksum)
	if err != nil {
		return nil, err
	}
	out, err := os.Create(job.Dest)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "creating %s", job.Dest)
	}
	n, err := f.client.Fetch(ctx, job.File.URL, io.MultiWriter(out, digest), progress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = apkpackage.Wrap(apkpackage.IOFailure, cerr, "writing %s", job.Dest)
	}
	if err != nil {
		return nil, err
	}
	if job.File.ExpectedSize > 0 && n != job.File.ExpectedSize {
		return nil, apkpackage.Errorf(apkpackage.SourceUnavailable,
			"%s: got %d bytes, source announced %d", job.File.Name, n, job.File.ExpectedSize)
	}
	if err := digest.Verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", job.File.Name, err)
	}
	if len(job.File.Signature) > 0 && f.keyring != nil {
		if err := f.verifyPGP(job); err != nil {
			return nil, err
		}
	}
	return &Result{Path: job.Dest, Bytes: n, Digest: digest.Sum()}, nil
}

func (f *Fetcher) verifyPGP(job Job) error {
	in, err := os.Open(job.Dest)
	if err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "reopening %s", job.Dest)
	}
	defer in.Close()
	signer, err := signature.VerifyDetachedPGP(f.keyring, in, job.File.Signature)
	if err != nil {
		return fmt.Errorf("%s: %w", job.File.Name, err)
	}
	logger.Logger().Debugw("OpenPGP signature verified", "file", job.File.Name, "key", fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint))
	return nil
}
