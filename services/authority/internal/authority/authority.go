// Package authority owns the session-key capability registry: owner-signed
// capability grants, operation validation for delegate signers, atomic usage
// accounting against cumulative budgets, and immediate revocation.
package authority

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"escrowlane/pkg/capability"
	"escrowlane/pkg/fault"
	"escrowlane/pkg/money"
	"escrowlane/pkg/signature"
)

// Event types exposed for audit and reconciliation.
const (
	EventCapabilityRegistered = "CapabilityRegistered"
	EventCapabilityRevoked    = "CapabilityRevoked"
	EventUsageRecorded        = "UsageRecorded"
)

// Capability is a bounded grant from the owner to a delegate session key.
// SpentSoFar only ever grows; once Active drops it never comes back.
type Capability struct {
	CapabilityID    string     `json:"capability_id"`
	Owner           string     `json:"owner"`
	Delegate        string     `json:"delegate"`
	Target          string     `json:"target"`
	Operations      []string   `json:"operations"`
	MaxPerOperation int64      `json:"max_per_operation"`
	MaxCumulative   int64      `json:"max_cumulative"`
	SpentSoFar      int64      `json:"spent_so_far"`
	Nonce           string     `json:"nonce"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RegisteredAt    time.Time  `json:"registered_at"`
	Active          bool       `json:"active"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

func (c Capability) allowsOperation(op string) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Usage is the record of one charged operation.
type Usage struct {
	UsageID      string    `json:"usage_id"`
	CapabilityID string    `json:"capability_id,omitempty"`
	Signer       string    `json:"signer"`
	Target       string    `json:"target"`
	Operation    string    `json:"operation"`
	Amount       int64     `json:"amount"`
	ChargedAt    time.Time `json:"charged_at"`
}

// Decision is the answer to a validation probe. A probe never reserves
// budget; only Charge moves SpentSoFar.
type Decision struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	CapabilityID string `json:"capability_id,omitempty"`
}

// Store is the persistence seam. Charge must apply its budget, expiry and
// active checks and the SpentSoFar increment as one atomic step; two
// concurrent charges against the last slice of budget must admit at most one.
type Store interface {
	InsertCapability(ctx context.Context, c Capability) error
	GetCapability(ctx context.Context, capabilityID string) (Capability, bool, error)
	ActiveCapabilities(ctx context.Context, delegate, target string) ([]Capability, error)
	Charge(ctx context.Context, capabilityID string, amount int64, at time.Time) (Capability, error)
	Revoke(ctx context.Context, capabilityID string, at time.Time) error

	AddEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, entityID string) ([]Event, error)
}

type Authority struct {
	store Store
	owner string
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, ownerIdentity string, log zerolog.Logger) *Authority {
	return &Authority{store: store, owner: ownerIdentity, log: log, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

// Register verifies an owner-signed registration envelope and stores the
// capability. A reused nonce is rejected so a captured envelope cannot be
// replayed into a second grant.
func (a *Authority) Register(ctx context.Context, payload capability.RegistrationPayload, env signature.Envelope) (Capability, error) {
	res, err := signature.Verify(payload, env, signature.ContextCapability)
	if err != nil {
		return Capability{}, fault.Unauthorizedf("registration signature: %v", err)
	}
	if res.Signer != a.owner {
		return Capability{}, fault.Unauthorizedf("registration must be signed by the owner")
	}

	if !signature.IsValidIdentity(payload.Delegate) {
		return Capability{}, fault.Validationf("delegate must be a key:pk:ed25519 identity")
	}
	if payload.Delegate == a.owner {
		return Capability{}, fault.Validationf("owner cannot be its own delegate")
	}
	if payload.Target == "" {
		return Capability{}, fault.Validationf("target is required")
	}
	if len(payload.Operations) == 0 {
		return Capability{}, fault.Validationf("at least one operation is required")
	}
	for _, op := range payload.Operations {
		if op == "" {
			return Capability{}, fault.Validationf("operations must be non-empty")
		}
	}
	if payload.Nonce == "" {
		return Capability{}, fault.Validationf("nonce is required")
	}
	maxPerOp, err := money.ParseAmount(payload.MaxPerOperation)
	if err != nil {
		return Capability{}, fault.Validationf("max_per_operation: %v", err)
	}
	maxCumulative, err := money.ParseAmount(payload.MaxCumulative)
	if err != nil {
		return Capability{}, fault.Validationf("max_cumulative: %v", err)
	}
	if maxPerOp > maxCumulative {
		return Capability{}, fault.Validationf("max_per_operation exceeds max_cumulative")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, payload.ExpiresAt)
	if err != nil {
		return Capability{}, fault.Validationf("expires_at must be RFC3339")
	}
	now := a.now().UTC()
	if !expiresAt.After(now) {
		return Capability{}, fault.Validationf("expires_at must be in the future")
	}

	grant := Capability{
		CapabilityID:    "cap_" + uuid.NewString(),
		Owner:           res.Signer,
		Delegate:        payload.Delegate,
		Target:          payload.Target,
		Operations:      append([]string(nil), payload.Operations...),
		MaxPerOperation: maxPerOp,
		MaxCumulative:   maxCumulative,
		Nonce:           payload.Nonce,
		ExpiresAt:       expiresAt.UTC(),
		RegisteredAt:    now,
		Active:          true,
	}
	if err := a.store.InsertCapability(ctx, grant); err != nil {
		return Capability{}, err
	}
	a.emit(ctx, EventCapabilityRegistered, grant.CapabilityID, res.Signer, map[string]any{
		"delegate": grant.Delegate, "target": grant.Target, "operations": grant.Operations,
	})
	a.log.Info().Str("capability_id", grant.CapabilityID).Str("delegate", grant.Delegate).Msg("capability registered")
	return grant, nil
}

// Validate reports whether signer may perform the operation right now. The
// owner passes unconditionally. The answer is advisory; Charge re-applies
// every check at spend time.
func (a *Authority) Validate(ctx context.Context, signer, target, operation string, amount int64) (Decision, error) {
	if signer == "" {
		return Decision{}, fault.Validationf("signer is required")
	}
	if target == "" || operation == "" {
		return Decision{}, fault.Validationf("target and operation are required")
	}
	if amount < 0 {
		return Decision{}, fault.Validationf("amount must not be negative")
	}
	if signer == a.owner {
		return Decision{Valid: true}, nil
	}

	caps, err := a.store.ActiveCapabilities(ctx, signer, target)
	if err != nil {
		return Decision{}, err
	}
	if len(caps) == 0 {
		return Decision{Valid: false, Reason: "no active capability for signer and target"}, nil
	}
	now := a.now().UTC()
	reason := ""
	for _, c := range caps {
		switch {
		case !c.ExpiresAt.After(now):
			reason = "capability expired"
		case !c.allowsOperation(operation):
			reason = "operation not granted"
		case amount > c.MaxPerOperation:
			reason = "amount exceeds per-operation limit"
		case c.SpentSoFar+amount > c.MaxCumulative:
			reason = "amount exceeds remaining cumulative budget"
		default:
			return Decision{Valid: true, CapabilityID: c.CapabilityID}, nil
		}
	}
	return Decision{Valid: false, Reason: reason}, nil
}

// Charge validates and spends in one step. The store applies the budget
// check and the SpentSoFar increment atomically, so concurrent charges
// against the last slice of budget admit at most one winner.
func (a *Authority) Charge(ctx context.Context, signer, target, operation string, amount int64) (Usage, error) {
	if signer == "" {
		return Usage{}, fault.Validationf("signer is required")
	}
	if target == "" || operation == "" {
		return Usage{}, fault.Validationf("target and operation are required")
	}
	if amount < 0 {
		return Usage{}, fault.Validationf("amount must not be negative")
	}
	now := a.now().UTC()

	if signer == a.owner {
		u := Usage{
			UsageID:   "use_" + uuid.NewString(),
			Signer:    signer,
			Target:    target,
			Operation: operation,
			Amount:    amount,
			ChargedAt: now,
		}
		a.emit(ctx, EventUsageRecorded, signer, signer, map[string]any{
			"target": target, "operation": operation, "amount": amount,
		})
		return u, nil
	}

	caps, err := a.store.ActiveCapabilities(ctx, signer, target)
	if err != nil {
		return Usage{}, err
	}
	var lastErr error
	for _, c := range caps {
		if !c.allowsOperation(operation) {
			lastErr = fault.Unauthorizedf("operation %s not granted by %s", operation, c.CapabilityID)
			continue
		}
		if amount > c.MaxPerOperation {
			lastErr = fault.Unauthorizedf("amount exceeds per-operation limit of %s", c.CapabilityID)
			continue
		}
		charged, err := a.store.Charge(ctx, c.CapabilityID, amount, now)
		if err != nil {
			lastErr = err
			continue
		}
		u := Usage{
			UsageID:      "use_" + uuid.NewString(),
			CapabilityID: charged.CapabilityID,
			Signer:       signer,
			Target:       target,
			Operation:    operation,
			Amount:       amount,
			ChargedAt:    now,
		}
		a.emit(ctx, EventUsageRecorded, charged.CapabilityID, signer, map[string]any{
			"target": target, "operation": operation, "amount": amount, "spent_so_far": charged.SpentSoFar,
		})
		a.log.Info().Str("capability_id", charged.CapabilityID).Int64("amount", amount).Msg("usage charged")
		return u, nil
	}
	if lastErr != nil {
		return Usage{}, lastErr
	}
	return Usage{}, fault.Unauthorizedf("no active capability admits %s on %s for %s", operation, target, signer)
}

// Revoke verifies an owner-signed revocation envelope and deactivates the
// capability. Revocation takes effect immediately, including for operations
// already validated but not yet charged.
func (a *Authority) Revoke(ctx context.Context, payload capability.RevocationPayload, env signature.Envelope) (Capability, error) {
	res, err := signature.Verify(payload, env, signature.ContextCapabilityRevocation)
	if err != nil {
		return Capability{}, fault.Unauthorizedf("revocation signature: %v", err)
	}
	if payload.CapabilityID == "" {
		return Capability{}, fault.Validationf("capability_id is required")
	}

	grant, found, err := a.store.GetCapability(ctx, payload.CapabilityID)
	if err != nil {
		return Capability{}, err
	}
	if !found {
		return Capability{}, fault.Validationf("capability %s does not exist", payload.CapabilityID)
	}
	if res.Signer != a.owner && res.Signer != grant.Owner {
		return Capability{}, fault.Unauthorizedf("revocation must be signed by the owner")
	}

	revokedAt := a.now().UTC()
	if err := a.store.Revoke(ctx, grant.CapabilityID, revokedAt); err != nil {
		return Capability{}, err
	}
	grant.Active = false
	grant.RevokedAt = &revokedAt
	a.emit(ctx, EventCapabilityRevoked, grant.CapabilityID, res.Signer, map[string]any{
		"delegate": grant.Delegate,
	})
	a.log.Info().Str("capability_id", grant.CapabilityID).Msg("capability revoked")
	return grant, nil
}

func (a *Authority) GetCapability(ctx context.Context, capabilityID string) (Capability, bool, error) {
	return a.store.GetCapability(ctx, capabilityID)
}

func (a *Authority) ListEvents(ctx context.Context, entityID string) ([]Event, error) {
	return a.store.ListEvents(ctx, entityID)
}

func (a *Authority) emit(ctx context.Context, typ, entityID, actor string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	err := a.store.AddEvent(ctx, Event{
		EventID:    "evt_" + uuid.NewString(),
		Type:       typ,
		EntityID:   entityID,
		Actor:      actor,
		Payload:    payload,
		OccurredAt: a.now().UTC(),
	})
	if err != nil {
		a.log.Error().Err(err).Str("type", typ).Str("entity_id", entityID).Msg("event not recorded")
	}
}
