// Package rpmcrypto implements the Crypto Service (component C2): file
// digests and GPG detached-signature verification, used by the Metadata
// Fetcher (C5) to verify downloaded repodata and by the Transaction Executor
// (C11) to verify downloaded RPMs and repository signatures.
package rpmcrypto

import (
	"crypto/md5"  //nolint:gosec // required: RPM repos still publish md5 digests for legacy metadata
	"crypto/sha1" //nolint:gosec // same as above, for sha1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"

	tdnf "github.com/opentdnf/tdnf-go"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("rpmcrypto: unknown algorithm %q", a)
	}
}

func (a Algorithm) hexLen() int {
	switch a {
	case MD5:
		return 32
	case SHA1:
		return 40
	case SHA256:
		return 64
	case SHA512:
		return 128
	default:
		return -1
	}
}

// Service is the Crypto Service. fipsEnabled, when true, forbids MD5 per
// spec.md §4.2's FIPSForbidden case; SHA1, SHA256 and SHA512 stay allowed.
type Service struct {
	fipsEnabled bool
	keyring     Keyring
}

// NewService constructs a Service. keyring may be nil if signature
// verification will never be requested (e.g. all repos have gpgcheck=0).
func NewService(fipsEnabled bool, keyring Keyring) *Service {
	return &Service{fipsEnabled: fipsEnabled, keyring: keyring}
}

// Digest computes the digest of the file at path using algo.
func (s *Service) Digest(path string, algo Algorithm) ([]byte, error) {
	if s.fipsEnabled && (algo == MD5) {
		return nil, &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.Digest", Inner: tdnf.ErrFIPSForbidden, Message: string(algo)}
	}
	h, err := algo.newHash()
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.Digest", Inner: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIO, Op: "rpmcrypto.Digest", Inner: err, Message: path}
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIO, Op: "rpmcrypto.Digest", Inner: err, Message: path}
	}
	return h.Sum(nil), nil
}

// VerifyDigest compares the file's digest against an expected hex string.
func (s *Service) VerifyDigest(path, expectedHex string, algo Algorithm) error {
	want, err := HexToBytes(expectedHex)
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.VerifyDigest", Inner: err}
	}
	got, err := s.Digest(path, algo)
	if err != nil {
		return err
	}
	if !hashEqual(got, want) {
		return &tdnf.Error{
			Kind:    tdnf.ErrIntegrity,
			Op:      "rpmcrypto.VerifyDigest",
			Inner:   tdnf.ErrChecksumMismatch,
			Message: fmt.Sprintf("%s: expected %s, got %s", path, expectedHex, BytesToHex(got)),
		}
	}
	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hexPattern validates a non-empty lowercase-or-uppercase hex string; it
// does not check the length, which HexToBytes and hashEqual handle.
var hexPattern = regexp.MustCompile(`^[0-9A-Fa-f]+$`)

// BytesToHex renders b as lowercase hex.
func BytesToHex(b []byte) string { return hex.EncodeToString(b) }

// HexToBytes parses a hex string, requiring it match `[0-9A-Fa-f]{2n}`
// exactly (spec.md §4.2's hex helper contract) — no whitespace, no odd
// length, no partial match.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("rpmcrypto: odd-length hex string %q", s)
	}
	if !hexPattern.MatchString(s) {
		return nil, fmt.Errorf("rpmcrypto: malformed hex string %q", s)
	}
	return hex.DecodeString(s)
}
