package apkpackage

import (
	"fmt"
	"strings"

	"github.com/mitchellh/copystructure"
)

// SourceKind selects the distribution source that handles a request.
type SourceKind int

const (
	SignedRepository SourceKind = iota // F-Droid style signed index
	ScrapedListing                     // APKPure version listing
	TokenSession                       // Google Play store session
	VendorGallery                      // Huawei AppGallery
)

var sourceNames = map[SourceKind]string{
	SignedRepository: "f-droid",
	ScrapedListing:   "apk-pure",
	TokenSession:     "google-play",
	VendorGallery:    "huawei-app-gallery",
}

// aliases accepted on the command line and in config files
var sourceAliases = map[string]SourceKind{
	"f-droid":            SignedRepository,
	"fdroid":             SignedRepository,
	"apk-pure":           ScrapedListing,
	"apkpure":            ScrapedListing,
	"google-play":        TokenSession,
	"googleplay":         TokenSession,
	"huawei-app-gallery": VendorGallery,
	"huawei":             VendorGallery,
}

func (k SourceKind) String() string {
	if name, ok := sourceNames[k]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", int(k))
}

// ParseSourceKind maps a user supplied source name to its SourceKind.
func ParseSourceKind(name string) (SourceKind, error) {
	if k, ok := sourceAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return 0, Errorf(InvalidRequest, "unknown download source %q", name)
}

// SourceKinds lists every known source in declaration order.
func SourceKinds() []SourceKind {
	return []SourceKind{SignedRepository, ScrapedListing, TokenSession, VendorGallery}
}

// VersionSpec is either Latest (zero value) or an exact version string.
type VersionSpec struct {
	exact string
}

// Latest resolves to the newest version by the source's native ordering.
var Latest = VersionSpec{}

// Exact pins a request to one version string.
func Exact(version string) VersionSpec {
	return VersionSpec{exact: strings.TrimSpace(version)}
}

func (v VersionSpec) IsLatest() bool  { return v.exact == "" }
func (v VersionSpec) Version() string { return v.exact }

func (v VersionSpec) String() string {
	if v.IsLatest() {
		return "latest"
	}
	return v.exact
}

// AcquisitionRequest describes one app to fetch. Build it with NewRequest; the
// options map is copied so later changes by the caller are not observed.
type AcquisitionRequest struct {
	ID      string            // reverse-domain app id, e.g. "org.fdroid.fdroid"
	Version VersionSpec       // Latest or Exact
	Source  SourceKind        // adapter that handles the request
	Options map[string]string // source specific options (arch, repo, device, ...)
}

// NewRequest validates the identifier and returns a request owning a private
// copy of options.
func NewRequest(id string, version VersionSpec, source SourceKind, options map[string]string) (AcquisitionRequest, error) {
	id = strings.TrimSpace(id)
	if err := ValidateIdentifier(id); err != nil {
		return AcquisitionRequest{}, err
	}
	opts := map[string]string{}
	if len(options) > 0 {
		copied, err := copystructure.Copy(options)
		if err != nil {
			return AcquisitionRequest{}, fmt.Errorf("copying options for %s: %w", id, err)
		}
		opts = copied.(map[string]string)
	}
	return AcquisitionRequest{ID: id, Version: version, Source: source, Options: opts}, nil
}

// OptionBool reads a boolean source option using the "1"/"true" and
// "0"/"false" conventions of the command line. Unset or unrecognised values
// return def.
func OptionBool(opts map[string]string, key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(opts[key])) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

// String is the "<id>[@<version>] (<source>)" form used in logs and reports.
func (r AcquisitionRequest) String() string {
	if r.Version.IsLatest() {
		return fmt.Sprintf("%s (%s)", r.ID, r.Source)
	}
	return fmt.Sprintf("%s@%s (%s)", r.ID, r.Version.Version(), r.Source)
}

// FileRole tells the assembler how a file participates in a delivery.
type FileRole int

const (
	Base        FileRole = iota // the installable base package
	SplitConfig                 // configuration split APK (abi, density, language)
	Expansion                   // OBB expansion file
)

func (r FileRole) String() string {
	switch r {
	case Base:
		return "base"
	case SplitConfig:
		return "split"
	case Expansion:
		return "expansion"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// FileRef holds everything needed to fetch and verify one remote file.
type FileRef struct {
	URL          string   // remote location
	Name         string   // file name inside the delivery, e.g. "base.apk", "split_config.arm64_v8a.apk"
	ExpectedSize int64    // 0 when the source does not publish a size
	Role         FileRole // base, split or expansion
	Checksum     []byte   // sha256 digest, nil when the source publishes none
	Signature    []byte   // detached OpenPGP signature, attached during verification
}

// ArtifactDescriptor is the resolved, downloadable form of a request.
type ArtifactDescriptor struct {
	ID               string
	Primary          FileRef
	Auxiliary        []FileRef // config splits and expansion files, in delivery order
	ResolvedVersion  string
	VersionCode      int64
	Arch             string   // selected architecture, "" when none was requested
	DeclaredChecksum []byte   // checksum of Primary declared by signed metadata
	Trusted          bool     // true when the metadata came from a verified signed index
	Warnings         []string // non-fatal notes surfaced to the caller (stale index, first-use trust)
}

// IsSplit reports whether the descriptor delivers more than one file.
func (d *ArtifactDescriptor) IsSplit() bool {
	return len(d.Auxiliary) > 0
}

// Files returns the primary followed by the auxiliary files.
func (d *ArtifactDescriptor) Files() []FileRef {
	files := make([]FileRef, 0, 1+len(d.Auxiliary))
	primary := d.Primary
	if len(primary.Checksum) == 0 && len(d.DeclaredChecksum) > 0 {
		primary.Checksum = d.DeclaredChecksum
	}
	files = append(files, primary)
	return append(files, d.Auxiliary...)
}

// VersionInfo is one entry of a source's version listing.
type VersionInfo struct {
	Version     string   `json:"version"`
	VersionCode int64    `json:"version_code,omitempty"`
	Arch        []string `json:"arch,omitempty"`
}
