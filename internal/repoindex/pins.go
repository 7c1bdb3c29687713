package repoindex

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/dchest/safefile"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// pins live outside the per-repository index directories so Clear keeps them
func (c *Cache) pinPath(canon string) string {
	return filepath.Join(c.dir, "pins", filepath.Base(c.entryDir(canon)))
}

// Pinned returns the signer fingerprint recorded for repoURL by a previous
// trust-on-first-use acceptance.
func (c *Cache) Pinned(repoURL string) ([]byte, bool, error) {
	canon, err := CanonicalURL(repoURL)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(c.pinPath(canon))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apkpackage.Wrap(apkpackage.IOFailure, err, "reading pinned fingerprint")
	}
	fp, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, false, apkpackage.Wrap(apkpackage.IOFailure, err, "pinned fingerprint for %s is corrupt", canon)
	}
	return fp, true, nil
}

// Pin records fp as the trusted signer of repoURL.
func (c *Cache) Pin(repoURL string, fp []byte) error {
	canon, err := CanonicalURL(repoURL)
	if err != nil {
		return err
	}
	path := c.pinPath(canon)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "creating cache directory")
	}
	if err := safefile.WriteFile(path, []byte(hex.EncodeToString(fp)+"\n"), 0644); err != nil {
		return apkpackage.Wrap(apkpackage.IOFailure, err, "pinning fingerprint for %s", canon)
	}
	return nil
}
