// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of payloads, idempotency keys, and
// provenance graph blobs.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-8 bytes and HTML escaping is disabled.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	return Bytes(raw)
}

// Bytes canonicalises raw JSON bytes.
func Bytes(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashRaw canonicalises raw JSON bytes and returns the SHA-256 hex digest.
// Non-JSON input is hashed as-is so callers never lose the ability to key on
// arbitrary request bodies.
func HashRaw(raw []byte) string {
	if canon, err := jcs.Transform(raw); err == nil {
		return HashBytes(canon)
	}
	return HashBytes(raw)
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
