package capability_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"escrowlane/pkg/capability"
	"escrowlane/pkg/signature"
)

// The payloads are signed offline by tooling and verified later by the
// authority service, so an envelope produced over the shared types must
// verify under the matching context.
func TestSignedPayloadsVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen err: %v", err)
	}
	owner, err := signature.IdentityFromPublicKey(pub)
	if err != nil {
		t.Fatalf("identity err: %v", err)
	}
	issued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	reg := capability.RegistrationPayload{
		Delegate:        "key:pk:ed25519:AAAA",
		Target:          "ledger",
		Operations:      []string{"commit_root"},
		MaxPerOperation: "10.00",
		MaxCumulative:   "100.00",
		ExpiresAt:       issued.Add(time.Hour).Format(time.RFC3339Nano),
		Nonce:           "n1",
	}
	env, err := signature.Sign(reg, priv, issued, signature.ContextCapability)
	if err != nil {
		t.Fatalf("sign registration err: %v", err)
	}
	res, err := signature.Verify(reg, env, signature.ContextCapability)
	if err != nil {
		t.Fatalf("verify registration err: %v", err)
	}
	if res.Signer != owner {
		t.Fatalf("signer = %s, want %s", res.Signer, owner)
	}
	if _, err := signature.Verify(reg, env, signature.ContextCapabilityRevocation); err == nil {
		t.Fatalf("registration envelope must not verify under the revocation context")
	}

	rev := capability.RevocationPayload{CapabilityID: "cap_1", Nonce: "r1"}
	env, err = signature.Sign(rev, priv, issued, signature.ContextCapabilityRevocation)
	if err != nil {
		t.Fatalf("sign revocation err: %v", err)
	}
	if _, err := signature.Verify(rev, env, signature.ContextCapabilityRevocation); err != nil {
		t.Fatalf("verify revocation err: %v", err)
	}
}
