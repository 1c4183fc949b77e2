// Package registry provides the shared wire-level primitives of the image
// registry: content digests, resumable hashing for chunked uploads, and
// repository/tag reference validation.
package registry

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Common errors for digest operations.
var (
	ErrInvalidDigest   = errors.New("invalid digest format")
	ErrDigestMismatch  = errors.New("digest mismatch")
	ErrUnsupportedAlgo = errors.New("unsupported digest algorithm")
)

// Digest represents a content digest (algorithm:hex). Blobs and manifests
// are addressed by their sha256 digest on the wire; sha512 is accepted for
// verification only.
type Digest struct {
	Algorithm string // sha256, sha512
	Hex       string // hex-encoded hash
}

// ParseDigest parses a digest string like "sha256:abc123...".
func ParseDigest(s string) (Digest, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Digest{}, fmt.Errorf("%w: missing algorithm prefix", ErrInvalidDigest)
	}

	algo := parts[0]
	hexStr := parts[1]

	switch algo {
	case "sha256":
		if len(hexStr) != 64 {
			return Digest{}, fmt.Errorf("%w: sha256 digest must be 64 hex chars", ErrInvalidDigest)
		}
	case "sha512":
		if len(hexStr) != 128 {
			return Digest{}, fmt.Errorf("%w: sha512 digest must be 128 hex chars", ErrInvalidDigest)
		}
	default:
		return Digest{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, algo)
	}

	if _, err := hex.DecodeString(hexStr); err != nil {
		return Digest{}, fmt.Errorf("%w: invalid hex encoding", ErrInvalidDigest)
	}

	return Digest{
		Algorithm: algo,
		Hex:       strings.ToLower(hexStr),
	}, nil
}

// String returns the canonical digest string (algorithm:hex).
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, d.Hex)
}

// ShortString returns a shortened representation for display.
func (d Digest) ShortString() string {
	if len(d.Hex) < 12 {
		return d.Hex
	}
	return d.Hex[:12]
}

// IsZero returns true if the digest is uninitialized.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// NewHasher returns a hash.Hash for the digest's algorithm.
func (d Digest) NewHasher() (hash.Hash, error) {
	switch d.Algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, d.Algorithm)
	}
}

// Verify checks if content matches the digest.
func (d Digest) Verify(content []byte) error {
	h, err := d.NewHasher()
	if err != nil {
		return err
	}
	h.Write(content)
	computed := hex.EncodeToString(h.Sum(nil))
	if computed != d.Hex {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d.Hex, computed)
	}
	return nil
}

// FromSHA256 builds a Digest from a raw sha256 sum.
func FromSHA256(sum [sha256.Size]byte) Digest {
	return Digest{Algorithm: "sha256", Hex: hex.EncodeToString(sum[:])}
}

// ComputeSHA256 computes the sha256 digest of content.
func ComputeSHA256(content []byte) Digest {
	return FromSHA256(sha256.Sum256(content))
}

// ComputeSHA256Reader computes the sha256 digest from a reader.
func ComputeSHA256Reader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return FromSHA256(sum), n, nil
}

// IsDigestReference returns true if the reference is a digest rather
// than a tag name.
func IsDigestReference(reference string) bool {
	return strings.HasPrefix(reference, "sha256:") || strings.HasPrefix(reference, "sha512:")
}
