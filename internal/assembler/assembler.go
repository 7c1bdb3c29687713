// Package assembler turns a resolved artifact into its final file or split
// bundle directory in the output directory.
//
// Everything is staged under a hidden temporary name in the output
// directory and renamed into place only after every file downloaded and
// verified, so the final path either does not exist or is complete.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/pkgfetcher"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

const (
	TempPrefix = ".apkfetch-"
	TempSuffix = ".tmp"
	SplitExt   = ".split"
)

// Delivery is what Assemble produced.
type Delivery struct {
	Paths   []string // final paths of every file
	Bytes   int64
	Split   bool
	Skipped bool // the destination existed and was left alone
}

// Assembler writes artifacts into one output directory.
type Assembler struct {
	fetcher *pkgfetcher.Fetcher
	outDir  string
}

// New returns an Assembler writing to outDir.
func New(fetcher *pkgfetcher.Fetcher, outDir string) *Assembler {
	return &Assembler{fetcher: fetcher, outDir: outDir}
}

// DestinationName is the final name for desc: <id>[@<version>][@<arch>]
// followed by .apk or .xapk for a single file and .split for a bundle
// directory. The version is included only when req pinned one.
func DestinationName(req apkpackage.AcquisitionRequest, desc *apkpackage.ArtifactDescriptor) string {
	name := desc.ID
	if !req.Version.IsLatest() {
		name += "@" + desc.ResolvedVersion
	}
	if desc.Arch != "" {
		name += "@" + desc.Arch
	}
	if desc.IsSplit() {
		return name + SplitExt
	}
	return name + packageExt(desc.Primary.Name)
}

func packageExt(name string) string {
	if strings.EqualFold(path.Ext(name), ".xapk") {
		return ".xapk"
	}
	return ".apk"
}

// bundleNames names the files inside a split bundle directory. The primary
// file is always base.apk; auxiliary files keep their source names.
func bundleNames(desc *apkpackage.ArtifactDescriptor) []string {
	files := desc.Files()
	names := make([]string, len(files))
	names[0] = "base" + packageExt(desc.Primary.Name)
	seen := map[string]bool{strings.ToLower(names[0]): true}
	for i, f := range files[1:] {
		n := path.Base(f.Name)
		if n == "" || n == "." || n == "/" {
			n = fmt.Sprintf("%s-%d.apk", strings.ToLower(f.Role.String()), i+1)
		}
		names[i+1] = uniqueName(n, seen)
	}
	return names
}

// uniqueName suffixes n with -2, -3, ... until no earlier bundle file has
// the same name, ignoring case.
func uniqueName(n string, seen map[string]bool) string {
	ext := path.Ext(n)
	stem := strings.TrimSuffix(n, ext)
	for k := 2; seen[strings.ToLower(n)]; k++ {
		n = fmt.Sprintf("%s-%d%s", stem, k, ext)
	}
	seen[strings.ToLower(n)] = true
	return n
}

// Assemble downloads every file of desc and moves the result to its final
// name. On any failure the staging path is removed. An existing final path
// is not overwritten; the delivery is reported as skipped.
func (a *Assembler) Assemble(ctx context.Context, req apkpackage.AcquisitionRequest, desc *apkpackage.ArtifactDescriptor, progress func(int64)) (*Delivery, error) {
	log := logger.Logger()
	final, err := securejoin.SecureJoin(a.outDir, DestinationName(req, desc))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "resolving destination for %s", desc.ID)
	}
	if _, err := os.Lstat(final); err == nil {
		log.Infow("destination exists, skipping", "app", desc.ID, "path", final)
		return &Delivery{Paths: []string{final}, Split: desc.IsSplit(), Skipped: true}, nil
	}
	if err := os.MkdirAll(a.outDir, 0755); err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "creating output directory")
	}

	stage := filepath.Join(a.outDir, TempPrefix+uuid.New().String()+TempSuffix)
	files := desc.Files()
	jobs := make([]pkgfetcher.Job, len(files))
	var names []string
	if desc.IsSplit() {
		if err := os.Mkdir(stage, 0755); err != nil {
			return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "creating staging directory")
		}
		names = bundleNames(desc)
		for i, f := range files {
			dest, err := securejoin.SecureJoin(stage, names[i])
			if err != nil {
				_ = os.RemoveAll(stage)
				return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "naming %s", f.Name)
			}
			jobs[i] = pkgfetcher.Job{File: f, Dest: dest}
		}
	} else {
		jobs[0] = pkgfetcher.Job{File: files[0], Dest: stage}
	}

	results, err := a.fetcher.Fetch(ctx, jobs, progress)
	if err != nil {
		if rmErr := os.RemoveAll(stage); rmErr != nil {
			log.Warnw("removing staging path failed", "path", stage, "error", rmErr)
		}
		return nil, err
	}

	if _, err := os.Lstat(final); err == nil {
		_ = os.RemoveAll(stage)
		return nil, apkpackage.Errorf(apkpackage.IOFailure, "%s appeared while downloading; duplicate request?", final)
	}
	if err := os.Rename(stage, final); err != nil {
		_ = os.RemoveAll(stage)
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "moving %s into place", desc.ID)
	}

	d := &Delivery{Split: desc.IsSplit()}
	for i, r := range results {
		d.Bytes += r.Bytes
		if d.Split {
			d.Paths = append(d.Paths, filepath.Join(final, names[i]))
		}
	}
	if !d.Split {
		d.Paths = []string{final}
	}
	return d, nil
}

// CleanupTemp removes staging entries in dir older than minAge, left
// behind by interrupted runs. It returns the removed paths.
func CleanupTemp(dir string, minAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.IOFailure, err, "reading %s", dir)
	}
	var removed []string
	cutoff := time.Now().Add(-minAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), TempPrefix) || !strings.HasSuffix(e.Name(), TempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, apkpackage.Wrap(apkpackage.IOFailure, err, "removing %s", p)
		}
		removed = append(removed, p)
	}
	return removed, nil
}
