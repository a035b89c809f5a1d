package plugin

import (
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"
	"regexp"

	"github.com/ncobase/guardrail/ecode"
	"golang.org/x/crypto/blake2b"
)

const checksumPrefix = "blake2b:"

var checksumPattern = regexp.MustCompile(`^blake2b:[0-9a-f]{64}$`)

// Checksum returns the BLAKE2b-256 digest of the file at path in the form
// a manifest's checksum field expects
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return checksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumTarget is the manifest-relative file the checksum covers: the
// binary for rpc plugins, the entry point otherwise
func (m *Manifest) ChecksumTarget() string {
	if m.Runtime == RuntimeRPC {
		return m.Binary
	}
	return m.EntryPoint
}

// VerifyChecksum checks the pinned digest, if any, against the file in dir
func (m *Manifest) VerifyChecksum(dir string) error {
	if m.Checksum == "" {
		return nil
	}
	target := m.ChecksumTarget()
	path, err := ResolvePath(dir, target)
	if err != nil {
		return err
	}
	got, err := Checksum(path)
	if err != nil {
		return ecode.Wrap(ecode.PluginLoadFailed, err, "checksum %s", target)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(m.Checksum)) != 1 {
		return ecode.New(ecode.SecurityViolation, "plugin %s: checksum mismatch for %s", m.Name, target).
			WithField("expected", m.Checksum).
			WithField("actual", got)
	}
	return nil
}
