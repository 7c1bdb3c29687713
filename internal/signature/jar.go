// Package signature proves the authenticity of signed repository indexes and
// the integrity of downloaded artifacts.
//
// Repository indexes are shipped as JAR files: a MANIFEST.MF listing digests
// of each entry, a signature file (.SF) holding the digest of the manifest,
// and a PKCS#7 block (.RSA, .DSA or .EC) carrying a detached signature over
// the .SF and the signer certificate.
package signature

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.mozilla.org/pkcs7"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

const (
	manifestPath = "META-INF/MANIFEST.MF"

	// index JARs are a few MiB; refuse absurd entries before inflating them
	maxEntrySize = 512 << 20
)

// SignedPayload is the verified content of one JAR entry.
type SignedPayload struct {
	Name        string
	Data        []byte
	Fingerprint []byte            // sha256 of the signer certificate (DER)
	Certificate *x509.Certificate // signer certificate
}

// VerifyJAR checks that raw is a JAR signed by exactly one certificate, that
// the certificate's sha256 fingerprint equals expected (when expected is
// non-empty), and that entry is covered by the signed manifest. It returns the
// entry's content.
//
// A nil expected fingerprint accepts whichever signer is present; callers
// apply trust-on-first-use by pinning the returned fingerprint.
func VerifyJAR(raw []byte, entry string, expected []byte) (*SignedPayload, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "reading signed index archive")
	}

	files := make(map[string]*zip.File, len(zr.File))
	var blocks []*zip.File
	for _, f := range zr.File {
		files[f.Name] = f
		if isSignatureBlock(f.Name) {
			blocks = append(blocks, f)
		}
	}
	if len(blocks) != 1 {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid,
			"expected exactly one signature block in META-INF, found %d", len(blocks))
	}

	block := blocks[0]
	sfName := strings.TrimSuffix(block.Name, path.Ext(block.Name)) + ".SF"
	sfFile, ok := files[sfName]
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid, "signature file %s missing", sfName)
	}
	mfFile, ok := files[manifestPath]
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid, "%s missing", manifestPath)
	}
	entryFile, ok := files[entry]
	if !ok {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid, "signed entry %s missing", entry)
	}

	blockData, err := readEntry(block)
	if err != nil {
		return nil, err
	}
	sfData, err := readEntry(sfFile)
	if err != nil {
		return nil, err
	}

	cert, err := verifyBlock(blockData, sfData)
	if err != nil {
		return nil, err
	}
	fp := sha256.Sum256(cert.Raw)
	if len(expected) > 0 && subtle.ConstantTimeCompare(fp[:], expected) != 1 {
		return nil, apkpackage.Errorf(apkpackage.FingerprintMismatch,
			"index signed by %s, expected %s", hex.EncodeToString(fp[:]), hex.EncodeToString(expected))
	}

	mfData, err := readEntry(mfFile)
	if err != nil {
		return nil, err
	}
	if err := checkManifestDigest(sfData, mfData); err != nil {
		return nil, err
	}

	data, err := readEntry(entryFile)
	if err != nil {
		return nil, err
	}
	if err := checkEntryDigest(mfData, entry, data); err != nil {
		return nil, err
	}

	return &SignedPayload{Name: entry, Data: data, Fingerprint: fp[:], Certificate: cert}, nil
}

// ReadUnverified returns entry from the archive without any signature check.
// It backs the verification bypass and must never be used on the normal path.
func ReadUnverified(raw []byte, entry string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "reading index archive")
	}
	for _, f := range zr.File {
		if f.Name == entry {
			return readEntry(f)
		}
	}
	return nil, apkpackage.Errorf(apkpackage.SourceUnavailable, "%s missing from index archive", entry)
}

// verifyBlock checks the PKCS#7 detached signature over the .SF content and
// returns the only signer certificate.
func verifyBlock(blockData, sfData []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(blockData)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "parsing signature block")
	}
	if len(p7.Certificates) != 1 {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid,
			"expected one certificate in signature block, found %d", len(p7.Certificates))
	}
	cert := p7.GetOnlySigner()
	if cert == nil {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid, "signature block must have exactly one signer")
	}
	p7.Content = sfData
	if err := p7.Verify(); err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "index signature does not verify")
	}
	return cert, nil
}

func checkManifestDigest(sfData, mfData []byte) error {
	attrs, _ := parseManifest(sfData)
	for _, d := range digestAlgorithms {
		want, ok := attrs[d.name+"-Digest-Manifest"]
		if !ok {
			continue
		}
		if !digestMatches(d.new, mfData, want) {
			return apkpackage.Errorf(apkpackage.SignatureInvalid, "manifest digest does not match signature file")
		}
		return nil
	}
	return apkpackage.Errorf(apkpackage.SignatureInvalid, "signature file carries no supported manifest digest")
}

func checkEntryDigest(mfData []byte, entry string, data []byte) error {
	_, sections := parseManifest(mfData)
	attrs, ok := sections[entry]
	if !ok {
		return apkpackage.Errorf(apkpackage.SignatureInvalid, "%s is not listed in the signed manifest", entry)
	}
	for _, d := range digestAlgorithms {
		want, ok := attrs[d.name+"-Digest"]
		if !ok {
			continue
		}
		if !digestMatches(d.new, data, want) {
			return apkpackage.Errorf(apkpackage.SignatureInvalid, "digest of %s does not match the signed manifest", entry)
		}
		return nil
	}
	return apkpackage.Errorf(apkpackage.SignatureInvalid, "no supported digest for %s in manifest", entry)
}

// strongest first
var digestAlgorithms = []struct {
	name string
	new  func() hash.Hash
}{
	{"SHA-256", sha256.New},
	{"SHA1", sha1.New},
}

func digestMatches(newHash func() hash.Hash, data []byte, b64 string) bool {
	want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return false
	}
	h := newHash()
	h.Write(data)
	return subtle.ConstantTimeCompare(h.Sum(nil), want) == 1
}

func isSignatureBlock(name string) bool {
	dir, file := path.Split(name)
	if dir != "META-INF/" || file == "" {
		return false
	}
	switch strings.ToUpper(path.Ext(file)) {
	case ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, apkpackage.Errorf(apkpackage.SignatureInvalid, "%s is too large (%d bytes)", f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "opening %s", f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "reading %s", f.Name)
	}
	return data, nil
}

// ParseFingerprint decodes a sha256 certificate fingerprint written as hex,
// optionally separated by colons or spaces.
func ParseFingerprint(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", " ", "").Replace(strings.TrimSpace(s))
	fp, err := hex.DecodeString(clean)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "invalid fingerprint %q", s)
	}
	if len(fp) != sha256.Size {
		return nil, apkpackage.Errorf(apkpackage.InvalidRequest, "fingerprint %q must be %d bytes, got %d", s, sha256.Size, len(fp))
	}
	return fp, nil
}

// FormatFingerprint renders fp as uppercase colon separated hex for display.
func FormatFingerprint(fp []byte) string {
	parts := make([]string, len(fp))
	for i, b := range fp {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
