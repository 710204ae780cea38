package formula

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported checksum algorithms.
const (
	SHA256     = "sha256"
	SHA512     = "sha512"
	Blake2b256 = "blake2b-256"
)

var digestSizes = map[string]int{
	SHA256:     sha256.Size,
	SHA512:     sha512.Size,
	Blake2b256: blake2b.Size256,
}

// Checksum is a declared artifact digest.
type Checksum struct {
	Algorithm string
	Hex       string
}

// ParseChecksum parses "<algorithm>:<hex>". The hex digest is lower-cased.
func ParseChecksum(s string) (Checksum, error) {
	algo, digest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Checksum{}, fmt.Errorf("checksum %q: expected <algorithm>:<hex>", s)
	}
	return NewChecksum(algo, digest)
}

// NewChecksum validates the algorithm and the digest length.
func NewChecksum(algo, digest string) (Checksum, error) {
	algo = strings.ToLower(strings.TrimSpace(algo))
	digest = strings.ToLower(strings.TrimSpace(digest))

	size, ok := digestSizes[algo]
	if !ok {
		return Checksum{}, fmt.Errorf("checksum: unsupported algorithm %q", algo)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("checksum: %s digest is not hex: %w", algo, err)
	}
	if len(raw) != size {
		return Checksum{}, fmt.Errorf("checksum: %s digest must be %d bytes, got %d", algo, size, len(raw))
	}
	return Checksum{Algorithm: algo, Hex: digest}, nil
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + c.Hex
}

// IsZero reports whether no checksum is set.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Hex == ""
}

// NewHash returns a fresh hash.Hash for the checksum's algorithm.
func (c Checksum) NewHash() (hash.Hash, error) {
	switch c.Algorithm {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case Blake2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("checksum: unsupported algorithm %q", c.Algorithm)
	}
}

// Matches compares a computed digest byte-for-byte with the declared one.
func (c Checksum) Matches(sum []byte) bool {
	return hex.EncodeToString(sum) == c.Hex
}
