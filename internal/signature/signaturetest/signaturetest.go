// Package signaturetest builds signed repository index JARs for tests.
package signaturetest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"go.mozilla.org/pkcs7"
)

// Signer is a throwaway self-signed RSA identity.
type Signer struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// NewSigner generates a new signing identity.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "test repository", Organization: []string{"apk-fetcher"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return &Signer{Key: key, Cert: cert}
}

// Fingerprint is the sha256 of the certificate, as pinned by repositories.
func (s *Signer) Fingerprint() []byte {
	fp := sha256.Sum256(s.Cert.Raw)
	return fp[:]
}

// JAR writes a signed archive holding files, with every file listed in the
// manifest. The signature block is named META-INF/<alias>.RSA.
func (s *Signer) JAR(t testing.TB, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var mf bytes.Buffer
	mf.WriteString("Manifest-Version: 1.0\r\nCreated-By: signaturetest\r\n\r\n")
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		fmt.Fprintf(&mf, "Name: %s\r\nSHA-256-Digest: %s\r\n\r\n", name, base64.StdEncoding.EncodeToString(sum[:]))
	}

	mfSum := sha256.Sum256(mf.Bytes())
	var sf bytes.Buffer
	fmt.Fprintf(&sf, "Signature-Version: 1.0\r\nSHA-256-Digest-Manifest: %s\r\nCreated-By: signaturetest\r\n\r\n",
		base64.StdEncoding.EncodeToString(mfSum[:]))

	block := s.Sign(t, sf.Bytes())

	return Archive(t, map[string][]byte{
		"META-INF/MANIFEST.MF": mf.Bytes(),
		"META-INF/INDEX.SF":    sf.Bytes(),
		"META-INF/INDEX.RSA":   block,
	}, files)
}

// Sign returns a detached PKCS#7 signature over content.
func (s *Signer) Sign(t testing.TB, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("creating signed data: %v", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(s.Cert, s.Key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("adding signer: %v", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("finishing signature: %v", err)
	}
	return der
}

// Archive zips the given file sets in name order.
func Archive(t testing.TB, sets ...map[string][]byte) []byte {
	t.Helper()
	all := map[string][]byte{}
	for _, set := range sets {
		for name, data := range set {
			all[name] = data
		}
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(all[name]); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
