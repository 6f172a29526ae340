package authority_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"escrowlane/pkg/capability"
	"escrowlane/pkg/fault"
	"escrowlane/pkg/signature"
	"escrowlane/services/authority/internal/authority"
	"escrowlane/services/authority/internal/store"
)

type keyPair struct {
	priv     ed25519.PrivateKey
	identity string
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen err: %v", err)
	}
	id, err := signature.IdentityFromPublicKey(pub)
	if err != nil {
		t.Fatalf("identity err: %v", err)
	}
	return keyPair{priv: priv, identity: id}
}

type fixture struct {
	auth     *authority.Authority
	owner    keyPair
	delegate keyPair
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		owner:    newKeyPair(t),
		delegate: newKeyPair(t),
		clock:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.auth = authority.New(store.NewMemory(), f.owner.identity, zerolog.Nop())
	f.auth.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) registrationPayload(nonce string) capability.RegistrationPayload {
	return capability.RegistrationPayload{
		Delegate:        f.delegate.identity,
		Target:          "ledger",
		Operations:      []string{"commit_root", "request_payout"},
		MaxPerOperation: "10.00",
		MaxCumulative:   "100.00",
		ExpiresAt:       f.clock.Add(24 * time.Hour).Format(time.RFC3339Nano),
		Nonce:           nonce,
	}
}

func (f *fixture) register(t *testing.T, nonce string) authority.Capability {
	t.Helper()
	payload := f.registrationPayload(nonce)
	env, err := signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapability)
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	grant, err := f.auth.Register(context.Background(), payload, env)
	if err != nil {
		t.Fatalf("register err: %v", err)
	}
	return grant
}

func TestRegisterAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.register(t, "n1")

	if grant.MaxPerOperation != 1000 || grant.MaxCumulative != 10000 {
		t.Fatalf("limits = %d/%d, want 1000/10000 minor units", grant.MaxPerOperation, grant.MaxCumulative)
	}
	if !grant.Active || grant.SpentSoFar != 0 {
		t.Fatalf("fresh grant = %+v", grant)
	}

	d, err := f.auth.Validate(ctx, f.delegate.identity, "ledger", "commit_root", 500)
	if err != nil {
		t.Fatalf("validate err: %v", err)
	}
	if !d.Valid || d.CapabilityID != grant.CapabilityID {
		t.Fatalf("decision = %+v", d)
	}

	cases := []struct {
		op     string
		amount int64
		reason string
	}{
		{"manage_verifiers", 0, "operation not granted"},
		{"commit_root", 1001, "amount exceeds per-operation limit"},
	}
	for _, tc := range cases {
		d, err := f.auth.Validate(ctx, f.delegate.identity, "ledger", tc.op, tc.amount)
		if err != nil {
			t.Fatalf("validate err: %v", err)
		}
		if d.Valid || d.Reason != tc.reason {
			t.Fatalf("op %s: decision = %+v, want reason %q", tc.op, d, tc.reason)
		}
	}

	// Unknown signer and wrong target are both cold rejections.
	d, _ = f.auth.Validate(ctx, "key:pk:ed25519:unknown", "ledger", "commit_root", 0)
	if d.Valid {
		t.Fatalf("unknown signer validated")
	}
	d, _ = f.auth.Validate(ctx, f.delegate.identity, "vault", "commit_root", 0)
	if d.Valid {
		t.Fatalf("wrong target validated")
	}
}

func TestOwnerValidatesUnconditionally(t *testing.T) {
	f := newFixture(t)
	d, err := f.auth.Validate(context.Background(), f.owner.identity, "ledger", "anything", 1<<40)
	if err != nil {
		t.Fatalf("validate err: %v", err)
	}
	if !d.Valid {
		t.Fatalf("owner must validate unconditionally")
	}
}

func TestRegisterRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Signed by someone other than the owner.
	payload := f.registrationPayload("n1")
	env, err := signature.Sign(payload, f.delegate.priv, f.clock, signature.ContextCapability)
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	if _, err := f.auth.Register(ctx, payload, env); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("non-owner signer: expected unauthorized, got %v", err)
	}

	// Wrong signing context.
	env, _ = signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapabilityRevocation)
	if _, err := f.auth.Register(ctx, payload, env); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("wrong context: expected unauthorized, got %v", err)
	}

	// Payload mutated after signing.
	env, _ = signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapability)
	tampered := payload
	tampered.MaxCumulative = "100000.00"
	if _, err := f.auth.Register(ctx, tampered, env); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("tampered payload: expected unauthorized, got %v", err)
	}

	// Validation failures on owner-signed payloads.
	bad := []func(p *capability.RegistrationPayload){
		func(p *capability.RegistrationPayload) { p.Delegate = "not-an-identity" },
		func(p *capability.RegistrationPayload) { p.Delegate = f.owner.identity },
		func(p *capability.RegistrationPayload) { p.Target = "" },
		func(p *capability.RegistrationPayload) { p.Operations = nil },
		func(p *capability.RegistrationPayload) { p.Operations = []string{""} },
		func(p *capability.RegistrationPayload) { p.MaxPerOperation = "0" },
		func(p *capability.RegistrationPayload) { p.MaxPerOperation = "200.00" },
		func(p *capability.RegistrationPayload) { p.MaxCumulative = "-1" },
		func(p *capability.RegistrationPayload) { p.ExpiresAt = "yesterday" },
		func(p *capability.RegistrationPayload) { p.ExpiresAt = f.clock.Add(-time.Hour).Format(time.RFC3339Nano) },
		func(p *capability.RegistrationPayload) { p.Nonce = "" },
	}
	for i, mutate := range bad {
		p := f.registrationPayload(fmt.Sprintf("bad_%d", i))
		mutate(&p)
		env, err := signature.Sign(p, f.owner.priv, f.clock, signature.ContextCapability)
		if err != nil {
			t.Fatalf("case %d: sign err: %v", i, err)
		}
		if _, err := f.auth.Register(ctx, p, env); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestRegisterNonceReplayRejected(t *testing.T) {
	f := newFixture(t)
	payload := f.registrationPayload("n1")
	env, err := signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapability)
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	if _, err := f.auth.Register(context.Background(), payload, env); err != nil {
		t.Fatalf("first register err: %v", err)
	}
	if _, err := f.auth.Register(context.Background(), payload, env); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("replayed envelope: expected conflict, got %v", err)
	}
}

func TestChargeExhaustsCumulativeBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.register(t, "n1")

	// 10.00 per operation, 100.00 cumulative: ten charges fit, the
	// eleventh does not.
	for i := 0; i < 10; i++ {
		u, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 1000)
		if err != nil {
			t.Fatalf("charge %d err: %v", i, err)
		}
		if u.CapabilityID != grant.CapabilityID {
			t.Fatalf("charge %d hit capability %s", i, u.CapabilityID)
		}
	}
	if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 1000); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("11th charge: expected unauthorized, got %v", err)
	}

	got, found, err := f.auth.GetCapability(ctx, grant.CapabilityID)
	if err != nil || !found {
		t.Fatalf("get err: %v found=%v", err, found)
	}
	if got.SpentSoFar != 10000 {
		t.Fatalf("spent = %d, want 10000", got.SpentSoFar)
	}

	// A pre-charge probe now reports the exhaustion too.
	d, _ := f.auth.Validate(ctx, f.delegate.identity, "ledger", "request_payout", 1000)
	if d.Valid || d.Reason != "amount exceeds remaining cumulative budget" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestConcurrentChargesAdmitAtMostBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "n1")

	// 100.00 of budget, 25 racing charges of 10.00: exactly ten may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 1000); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 10 {
		t.Fatalf("wins = %d, want 10", wins)
	}
}

func TestRevokeBlocksImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.register(t, "n1")

	// Validated but not yet charged: revocation must still win.
	d, _ := f.auth.Validate(ctx, f.delegate.identity, "ledger", "request_payout", 1000)
	if !d.Valid {
		t.Fatalf("pre-revoke decision = %+v", d)
	}

	payload := capability.RevocationPayload{CapabilityID: grant.CapabilityID, Nonce: "r1"}
	env, err := signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapabilityRevocation)
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	revoked, err := f.auth.Revoke(ctx, payload, env)
	if err != nil {
		t.Fatalf("revoke err: %v", err)
	}
	if revoked.Active || revoked.RevokedAt == nil {
		t.Fatalf("revoked = %+v", revoked)
	}

	if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 1000); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("post-revoke charge: expected unauthorized, got %v", err)
	}
	d, _ = f.auth.Validate(ctx, f.delegate.identity, "ledger", "request_payout", 1000)
	if d.Valid {
		t.Fatalf("post-revoke decision = %+v", d)
	}

	// Second revocation conflicts.
	if _, err := f.auth.Revoke(ctx, payload, env); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("second revoke: expected conflict, got %v", err)
	}
}

func TestRevokeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.register(t, "n1")

	// Signed by the delegate, not the owner.
	payload := capability.RevocationPayload{CapabilityID: grant.CapabilityID, Nonce: "r1"}
	env, _ := signature.Sign(payload, f.delegate.priv, f.clock, signature.ContextCapabilityRevocation)
	if _, err := f.auth.Revoke(ctx, payload, env); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("delegate-signed revoke: expected unauthorized, got %v", err)
	}

	// Registration envelope replayed as a revocation.
	env, _ = signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapability)
	if _, err := f.auth.Revoke(ctx, payload, env); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("wrong context: expected unauthorized, got %v", err)
	}

	// Unknown capability.
	payload = capability.RevocationPayload{CapabilityID: "cap_missing", Nonce: "r2"}
	env, _ = signature.Sign(payload, f.owner.priv, f.clock, signature.ContextCapabilityRevocation)
	if _, err := f.auth.Revoke(ctx, payload, env); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("missing capability: expected validation error, got %v", err)
	}
}

func TestExpiryEnforcedAtChargeTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "n1")

	if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 100); err != nil {
		t.Fatalf("pre-expiry charge err: %v", err)
	}

	f.clock = f.clock.Add(25 * time.Hour)
	if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 100); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("post-expiry charge: expected unauthorized, got %v", err)
	}
	d, _ := f.auth.Validate(ctx, f.delegate.identity, "ledger", "request_payout", 100)
	if d.Valid || d.Reason != "capability expired" {
		t.Fatalf("post-expiry decision = %+v", d)
	}
}

func TestUsageEventsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.register(t, "n1")

	if _, err := f.auth.Charge(ctx, f.delegate.identity, "ledger", "request_payout", 500); err != nil {
		t.Fatalf("charge err: %v", err)
	}
	events, err := f.auth.ListEvents(ctx, grant.CapabilityID)
	if err != nil {
		t.Fatalf("events err: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{authority.EventCapabilityRegistered, authority.EventUsageRecorded}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}
