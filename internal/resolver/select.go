package resolver

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/general/slice"
)

// Candidate is one build a source offers, in the source's own terms.
type Candidate struct {
	Version     string
	VersionCode int64    // 0 when the source publishes none
	NativeCode  []string // empty for architecture-independent builds
	Priority    int      // 0 for the primary repository, higher for mirrors
	Order       int      // position in the source listing, newest first
	Checksum    []byte   // identifies the build across mirrors
	Index       int      // caller's index into its own slice
}

func (c Candidate) independent() bool { return len(c.NativeCode) == 0 }

func (c Candidate) sameBuild(o Candidate) bool {
	if len(c.Checksum) > 0 && len(o.Checksum) > 0 {
		return bytes.Equal(c.Checksum, o.Checksum)
	}
	return c.Version == o.Version && c.VersionCode == o.VersionCode &&
		strings.Join(c.NativeCode, ",") == strings.Join(o.NativeCode, ",")
}

// Selection is the build Select picked.
type Selection struct {
	Candidate
	Arch    string // preference that matched, "" for none
	Warning string // set when falling back to an architecture-independent build
}

// ArchPreferences reads the arch option: a list separated by ';' or ','
// in order of preference.
func ArchPreferences(opts map[string]string) []string {
	return slice.SplitList(opts["arch"], ";,")
}

// Select applies version and architecture policy to cands:
//
//   - Latest takes the newest build (highest version code, then listing
//     order); an exact version must match a version string.
//   - With architecture preferences, the first preference present in a
//     build's native code wins. If none is present, an architecture
//     independent build is used and a warning is returned.
//   - Duplicate builds from mirrors collapse onto the lowest priority
//     (the primary repository).
//   - Two different builds that tie on every ordering key are ambiguous.
func Select(cands []Candidate, spec apkpackage.VersionSpec, archs []string) (*Selection, error) {
	if len(cands) == 0 {
		return nil, apkpackage.Errorf(apkpackage.NotFound, "no builds available")
	}

	matched := cands
	if !spec.IsLatest() {
		matched = filter(cands, func(c Candidate) bool { return c.Version == spec.Version() })
		if len(matched) == 0 {
			return nil, apkpackage.Errorf(apkpackage.VersionNotFound, "version %s not found (available: %s)",
				spec.Version(), strings.Join(versionNames(cands, 8), ", "))
		}
	}

	if len(archs) == 0 {
		best, err := newest(matched)
		if err != nil {
			return nil, err
		}
		return &Selection{Candidate: best}, nil
	}

	for _, arch := range archs {
		withArch := filter(matched, func(c Candidate) bool { return slice.Contains(c.NativeCode, arch) })
		if len(withArch) == 0 {
			continue
		}
		best, err := newest(withArch)
		if err != nil {
			return nil, err
		}
		return &Selection{Candidate: best, Arch: arch}, nil
	}

	independent := filter(matched, Candidate.independent)
	if len(independent) == 0 {
		return nil, apkpackage.Errorf(apkpackage.VersionNotFound, "no build of %s for architecture %s",
			describe(spec), strings.Join(archs, ";"))
	}
	best, err := newest(independent)
	if err != nil {
		return nil, err
	}
	return &Selection{
		Candidate: best,
		Warning: fmt.Sprintf("no build for architecture %s, using architecture-independent build %s",
			strings.Join(archs, ";"), best.Version),
	}, nil
}

func newest(cands []Candidate) (Candidate, error) {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	best := sorted[0]
	for _, c := range sorted[1:] {
		if c.VersionCode != best.VersionCode || c.Priority != best.Priority || c.Order != best.Order {
			break
		}
		if !c.sameBuild(best) {
			return Candidate{}, apkpackage.Errorf(apkpackage.AmbiguousVariant,
				"version %s (code %d) is published as several different builds; pick one with the arch option",
				best.Version, best.VersionCode)
		}
	}
	return best, nil
}

// less orders newest first: version code, then primary before mirrors, then
// listing order, then semantic version for sources that publish no codes.
func less(a, b Candidate) bool {
	if a.VersionCode != b.VersionCode {
		return a.VersionCode > b.VersionCode
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return CompareVersions(a.Version, b.Version) > 0
}

// CompareVersions orders version strings semantically when both parse and
// lexically otherwise.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

func filter(cands []Candidate, keep func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func versionNames(cands []Candidate, limit int) []string {
	var names []string
	for _, c := range cands {
		names = append(names, c.Version)
	}
	names = slice.Dedup(names)
	if len(names) > limit {
		names = append(names[:limit], "...")
	}
	return names
}

func describe(spec apkpackage.VersionSpec) string {
	if spec.IsLatest() {
		return "the latest version"
	}
	return "version " + spec.Version()
}
