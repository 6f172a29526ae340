// Package signature implements the ed25519 envelope used for owner-signed
// capability registrations and revocations. The envelope signs the SHA-256
// of the canonical JSON payload and is bound to a single-use context string
// so a registration signature can never be replayed as a revocation.
package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"escrowlane/pkg/canonhash"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrContextMismatch      = errors.New("signature context mismatch")
)

// Signature contexts. An envelope verifies only against the context it was
// issued for.
const (
	ContextCapability           = "capability"
	ContextCapabilityRevocation = "capability-revocation"
)

const identityPrefix = "key:pk:ed25519:"

type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	Context     string `json:"context"`
}

type VerifyResult struct {
	IssuedAt time.Time
	// Signer is the identity derived from the envelope's public key.
	Signer string
}

// IdentityFromPublicKey derives the stable signer identity for an ed25519
// public key. This is the delegateIdentity / ownerIdentity form used across
// both services.
func IdentityFromPublicKey(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.New("ed25519 public key must be 32 bytes")
	}
	return identityPrefix + base64.RawURLEncoding.EncodeToString(pub), nil
}

// ParseIdentity recovers the public key from an identity string.
func ParseIdentity(id string) ([]byte, error) {
	if !strings.HasPrefix(id, identityPrefix) {
		return nil, errors.New("invalid identity prefix")
	}
	b64 := strings.TrimPrefix(id, identityPrefix)
	if b64 == "" || strings.Contains(b64, "=") {
		return nil, errors.New("invalid identity encoding")
	}
	pub, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity public key")
	}
	return pub, nil
}

func IsValidIdentity(id string) bool {
	_, err := ParseIdentity(id)
	return err == nil
}

// Sign produces a sig-v1 envelope over the canonical JSON hash of payload.
func Sign(payload any, priv ed25519.PrivateKey, issuedAt time.Time, context string) (Envelope, error) {
	hashHex, _, err := canonhash.CanonicalSHA256(payload)
	if err != nil {
		return Envelope{}, err
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return Envelope{}, ErrInvalidEncoding
	}
	sig := ed25519.Sign(priv, hashBytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Envelope{}, ErrInvalidEncoding
	}
	return Envelope{
		Version:     "sig-v1",
		Algorithm:   "ed25519",
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
		Context:     context,
	}, nil
}

// Verify checks a sig-v1 envelope against the payload and the expected
// context, and returns the signer identity on success.
func Verify(payload any, env Envelope, context string) (VerifyResult, error) {
	if strings.TrimSpace(env.Version) != "sig-v1" {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != "ed25519" {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.TrimSpace(env.Context) != context {
		return VerifyResult{}, ErrContextMismatch
	}
	issuedAt, err := parseIssuedAtUTC(env.IssuedAt)
	if err != nil {
		return VerifyResult{}, err
	}

	expectedHex, _, err := canonhash.CanonicalSHA256(payload)
	if err != nil {
		return VerifyResult{}, err
	}
	expectedBytes, err := hex.DecodeString(expectedHex)
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	claimedBytes, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(expectedBytes, claimedBytes) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.PublicKey))
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), claimedBytes, sig) {
		return VerifyResult{}, ErrInvalidSignature
	}
	signer, err := IdentityFromPublicKey(pub)
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	return VerifyResult{IssuedAt: issuedAt, Signer: signer}, nil
}

func parseIssuedAtUTC(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, ErrInvalidIssuedAt
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(s, "Z") || !t.Equal(t.UTC()) {
		return time.Time{}, ErrInvalidIssuedAt
	}
	return t.UTC(), nil
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
