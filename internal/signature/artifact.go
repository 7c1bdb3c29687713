package signature

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// Digester hashes a stream as it is written. Use it behind an io.TeeReader
// or io.MultiWriter so the artifact is never buffered in memory.
type Digester struct {
	h        hash.Hash
	expected []byte
}

// NewDigester returns a Digester for expected. The algorithm is picked from
// the digest length (32 bytes sha256, 20 bytes sha1); an empty expected
// digest still computes sha256 so the result can be logged.
func NewDigester(expected []byte) (*Digester, error) {
	switch len(expected) {
	case 0, sha256.Size:
		return &Digester{h: sha256.New(), expected: expected}, nil
	case sha1.Size:
		return &Digester{h: sha1.New(), expected: expected}, nil
	}
	return nil, apkpackage.Errorf(apkpackage.InvalidRequest, "unsupported checksum length %d", len(expected))
}

func (d *Digester) Write(p []byte) (int, error) { return d.h.Write(p) }

// Sum returns the digest of everything written so far.
func (d *Digester) Sum() []byte { return d.h.Sum(nil) }

// Verify compares the running digest with the expected one. A Digester
// without an expected digest always verifies.
func (d *Digester) Verify() error {
	if len(d.expected) == 0 {
		return nil
	}
	got := d.Sum()
	if subtle.ConstantTimeCompare(got, d.expected) != 1 {
		return apkpackage.Errorf(apkpackage.ChecksumMismatch, "checksum %s does not match declared %s",
			hex.EncodeToString(got), hex.EncodeToString(d.expected))
	}
	return nil
}

// VerifyArtifact streams r through the digest and compares it with expected.
func VerifyArtifact(r io.Reader, expected []byte) error {
	d, err := NewDigester(expected)
	if err != nil {
		return err
	}
	if _, err := io.Copy(d, r); err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "reading artifact")
	}
	return d.Verify()
}

// ParseChecksum decodes a hex digest as published in repository indexes.
func ParseChecksum(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SourceUnavailable, err, "malformed checksum %q", s)
	}
	return b, nil
}

var pgpConfig = packet.Config{}

// ReadKeyRing loads an armored OpenPGP public keyring.
func ReadKeyRing(armored []byte) (openpgp.EntityList, error) {
	ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.InvalidRequest, err, "reading OpenPGP keyring")
	}
	return ring, nil
}

// VerifyDetachedPGP checks an armored detached signature over signed against
// keyring and returns the signing entity.
func VerifyDetachedPGP(keyring openpgp.KeyRing, signed io.Reader, armoredSig []byte) (*openpgp.Entity, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, signed, bytes.NewReader(armoredSig), &pgpConfig)
	if err != nil {
		return nil, apkpackage.Wrap(apkpackage.SignatureInvalid, err, "OpenPGP signature does not verify")
	}
	return signer, nil
}
