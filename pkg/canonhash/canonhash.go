// Package canonhash provides the canonical hashing used by signature
// envelopes and event payload digests: json.Marshal(v) bytes hashed with
// SHA-256 hex. Both services must hash identically or owner signatures made
// offline stop verifying.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalSHA256 returns the lowercase hex SHA-256 of the canonical JSON
// encoding of v, along with the encoded bytes.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// SumObject is CanonicalSHA256 with the sha256: prefix used in stored
// digests and API responses.
func SumObject(v any) (string, []byte, error) {
	h, b, err := CanonicalSHA256(v)
	if err != nil {
		return "", nil, err
	}
	return "sha256:" + h, b, nil
}
