// Package repoindex fetches, caches and parses signed repository indexes.
//
// A RepositoryIndex can only be obtained through LoadV1 or LoadV2, which
// verify the JAR signature before any entry is decoded. The verification
// bypass produces an index whose Trusted field is false.
package repoindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/signature"
)

const (
	V1JarName   = "index-v1.jar"
	V1EntryName = "index-v1.json"
	EntryJar    = "entry.jar"
	EntryName   = "entry.json"
)

// IndexEntry is one published build of an app.
type IndexEntry struct {
	Version     string
	VersionCode int64
	APKName     string // path relative to the repository address
	Size        int64
	Checksum    []byte // sha256 of the APK
	NativeCode  []string
	Repository  string // address of the repository that published the entry
	Priority    int    // 0 for the primary repository, 1.. for mirrors in configured order
}

// RepositoryIndex is a verified, decoded repository index.
type RepositoryIndex struct {
	Address     string
	Name        string
	Mirrors     []string
	Timestamp   int64
	Format      string // "v1" or "v2"
	Fingerprint []byte // sha256 of the signing certificate
	Trusted     bool   // false only when verification was bypassed
	Raw         []byte // signed payload the index was decoded from

	// Entries are ordered by descending version code.
	Entries map[string][]IndexEntry
}

// Lookup returns the entries for id, newest first.
func (r *RepositoryIndex) Lookup(id string) ([]IndexEntry, bool) {
	e, ok := r.Entries[id]
	return e, ok && len(e) > 0
}

// Merge folds mirror indexes into r. Entries keep their Priority so the
// resolver can prefer the primary repository on ties.
func (r *RepositoryIndex) Merge(others ...*RepositoryIndex) {
	for _, o := range others {
		if o == nil {
			continue
		}
		for id, entries := range o.Entries {
			r.Entries[id] = append(r.Entries[id], entries...)
		}
	}
	for id := range r.Entries {
		sortEntries(r.Entries[id])
	}
}

func (r *RepositoryIndex) setPriority(priority int) {
	for id, entries := range r.Entries {
		for i := range entries {
			entries[i].Priority = priority
			entries[i].Repository = r.Address
		}
		r.Entries[id] = entries
	}
}

// LoadOptions controls how an index archive is trusted.
type LoadOptions struct {
	Fingerprint []byte // pinned signer fingerprint; nil accepts the first signer seen
	Bypass      bool   // skip signature verification entirely
	Priority    int
	Address     string // URL the index was fetched from; overrides the advertised address
}

func (o LoadOptions) finish(idx *RepositoryIndex, fp, raw []byte) {
	if o.Address != "" {
		idx.Address = strings.TrimSuffix(o.Address, "/")
	}
	idx.Fingerprint = fp
	idx.Trusted = !o.Bypass
	idx.Raw = raw
	idx.setPriority(o.Priority)
}

// LoadV1 verifies an index-v1.jar and decodes its index-v1.json.
func LoadV1(jar []byte, opts LoadOptions) (*RepositoryIndex, error) {
	payload, fp, err := open(jar, V1EntryName, opts)
	if err != nil {
		return nil, err
	}
	idx, err := parseV1(payload)
	if err != nil {
		return nil, err
	}
	opts.finish(idx, fp, payload)
	return idx, nil
}

// FetchFunc retrieves a file referenced by the signed entry point, relative
// to the repository address.
type FetchFunc func(ctx context.Context, name string) ([]byte, error)

// LoadV2 verifies entry.jar, fetches the index it points at through fetch
// and checks the fetched bytes against the signed sha256 before decoding.
func LoadV2(ctx context.Context, entryJar []byte, opts LoadOptions, fetch FetchFunc) (*RepositoryIndex, error) {
	payload, fp, err := open(entryJar, EntryName, opts)
	if err != nil {
		return nil, err
	}
	ent, err := parseEntry(payload)
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(ent.Index.Name, "/")
	if err := checkFileName(name); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "entry.json points outside the repository")
	}
	data, err := fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	want, err := hex.DecodeString(ent.Index.SHA256)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "entry.json carries a malformed index digest")
	}
	got := sha256.Sum256(data)
	if !bytes.Equal(got[:], want) {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid,
			"%s digest %x does not match signed entry %x", ent.Index.Name, got, want)
	}
	idx, err := parseV2(data)
	if err != nil {
		return nil, err
	}
	opts.finish(idx, fp, data)
	return idx, nil
}

func open(jar []byte, entry string, opts LoadOptions) ([]byte, []byte, error) {
	if opts.Bypass {
		data, err := signature.ReadUnverified(jar, entry)
		return data, nil, err
	}
	p, err := signature.VerifyJAR(jar, entry, opts.Fingerprint)
	if err != nil {
		return nil, nil, err
	}
	return p.Data, p.Fingerprint, nil
}

type v1Doc struct {
	Repo struct {
		Timestamp int64    `json:"timestamp"`
		Name      string   `json:"name"`
		Address   string   `json:"address"`
		Mirrors   []string `json:"mirrors"`
	} `json:"repo"`
	Packages map[string][]struct {
		VersionName string   `json:"versionName"`
		VersionCode int64    `json:"versionCode"`
		APKName     string   `json:"apkName"`
		Hash        string   `json:"hash"`
		HashType    string   `json:"hashType"`
		Size        int64    `json:"size"`
		NativeCode  []string `json:"nativecode"`
	} `json:"packages"`
}

func parseV1(data []byte) (*RepositoryIndex, error) {
	if err := validate(schemaV1, data); err != nil {
		return nil, err
	}
	var doc v1Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "decoding index-v1.json")
	}
	idx := &RepositoryIndex{
		Address:   strings.TrimSuffix(doc.Repo.Address, "/"),
		Name:      doc.Repo.Name,
		Mirrors:   doc.Repo.Mirrors,
		Timestamp: doc.Repo.Timestamp,
		Format:    "v1",
		Entries:   make(map[string][]IndexEntry, len(doc.Packages)),
	}
	for id, pkgs := range doc.Packages {
		entries := make([]IndexEntry, 0, len(pkgs))
		for _, p := range pkgs {
			var sum []byte
			if p.HashType == "" || strings.EqualFold(p.HashType, "sha256") {
				var err error
				if sum, err = signature.ParseChecksum(p.Hash); err != nil {
					return nil, fmt.Errorf("%s %s: %w", id, p.VersionName, err)
				}
			}
			entries = append(entries, IndexEntry{
				Version:     p.VersionName,
				VersionCode: p.VersionCode,
				APKName:     p.APKName,
				Size:        p.Size,
				Checksum:    sum,
				NativeCode:  p.NativeCode,
			})
		}
		sortEntries(entries)
		idx.Entries[id] = entries
	}
	return idx, nil
}

type entryDoc struct {
	Timestamp int64 `json:"timestamp"`
	Version   int64 `json:"version"`
	Index     struct {
		Name   string `json:"name"`
		SHA256 string `json:"sha256"`
		Size   int64  `json:"size"`
	} `json:"index"`
}

func parseEntry(data []byte) (*entryDoc, error) {
	if err := validate(schemaEntry, data); err != nil {
		return nil, err
	}
	var doc entryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "decoding entry.json")
	}
	return &doc, nil
}

type v2Doc struct {
	Repo struct {
		Timestamp int64             `json:"timestamp"`
		Name      map[string]string `json:"name"`
		Address   string            `json:"address"`
		Mirrors   []struct {
			URL string `json:"url"`
		} `json:"mirrors"`
	} `json:"repo"`
	Packages map[string]struct {
		Versions map[string]struct {
			File struct {
				Name   string `json:"name"`
				SHA256 string `json:"sha256"`
				Size   int64  `json:"size"`
			} `json:"file"`
			Manifest struct {
				VersionName string   `json:"versionName"`
				VersionCode int64    `json:"versionCode"`
				NativeCode  []string `json:"nativecode"`
			} `json:"manifest"`
		} `json:"versions"`
	} `json:"packages"`
}

func parseV2(data []byte) (*RepositoryIndex, error) {
	if err := validate(schemaV2, data); err != nil {
		return nil, err
	}
	var doc v2Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "decoding index-v2.json")
	}
	idx := &RepositoryIndex{
		Address:   strings.TrimSuffix(doc.Repo.Address, "/"),
		Name:      doc.Repo.Name["en-US"],
		Timestamp: doc.Repo.Timestamp,
		Format:    "v2",
		Entries:   make(map[string][]IndexEntry, len(doc.Packages)),
	}
	for _, m := range doc.Repo.Mirrors {
		idx.Mirrors = append(idx.Mirrors, m.URL)
	}
	for id, pkg := range doc.Packages {
		entries := make([]IndexEntry, 0, len(pkg.Versions))
		for _, v := range pkg.Versions {
			sum, err := signature.ParseChecksum(v.File.SHA256)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", id, v.Manifest.VersionName, err)
			}
			entries = append(entries, IndexEntry{
				Version:     v.Manifest.VersionName,
				VersionCode: v.Manifest.VersionCode,
				APKName:     strings.TrimPrefix(v.File.Name, "/"),
				Size:        v.File.Size,
				Checksum:    sum,
				NativeCode:  v.Manifest.NativeCode,
			})
		}
		sortEntries(entries)
		idx.Entries[id] = entries
	}
	return idx, nil
}

// sortEntries orders by version code descending, then by repository
// priority so the primary repository wins ties.
func sortEntries(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].VersionCode != entries[j].VersionCode {
			return entries[i].VersionCode > entries[j].VersionCode
		}
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].APKName < entries[j].APKName
	})
}
