// Package ledger owns the payout authorization state machine: admission of
// Merkle-proven payout requests, verifier approval, and the atomic
// approve-and-pay step against the escrow custodian.
package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"escrowlane/pkg/fault"
	"escrowlane/pkg/merkle"
)

// Event types exposed for audit and reconciliation.
const (
	EventPayoutRequested = "PayoutRequested"
	EventPayoutApproved  = "PayoutApproved"
	EventPayoutRejected  = "PayoutRejected"
	EventPayoutCompleted = "PayoutCompleted"
	EventRootCommitted   = "RootCommitted"
	EventVerifierAdded   = "VerifierAdded"
	EventVerifierRemoved = "VerifierRemoved"
)

type Commitment struct {
	ProjectID   string    `json:"project_id"`
	MilestoneID string    `json:"milestone_id"`
	Root        string    `json:"root"`
	Version     int       `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
}

// PayoutRequest transitions REQUESTED -> APPROVED+PAID or REQUESTED ->
// REJECTED; ProcessedAt is set exactly once and never reverted.
type PayoutRequest struct {
	RequestID      string     `json:"request_id"`
	ProjectID      string     `json:"project_id"`
	MilestoneID    string     `json:"milestone_id"`
	SubmilestoneID string     `json:"submilestone_id"`
	Contributor    string     `json:"contributor"`
	Amount         int64      `json:"amount"`
	Proof          []string   `json:"proof"`
	ExternalRef    string     `json:"external_ref"`
	Approved       bool       `json:"approved"`
	Paid           bool       `json:"paid"`
	TransferRef    string     `json:"transfer_ref,omitempty"`
	RequestedAt    time.Time  `json:"requested_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

func (r PayoutRequest) Status() string {
	switch {
	case r.ProcessedAt == nil:
		return "REQUESTED"
	case r.Approved && r.Paid:
		return "PAID"
	default:
		return "REJECTED"
	}
}

type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Store is the persistence seam; Postgres and the in-memory store both
// implement it. Conditional mutations return fault.ErrConflict when the
// record was already in a terminal state.
type Store interface {
	InsertCommitment(ctx context.Context, c Commitment) (Commitment, error)
	CurrentCommitment(ctx context.Context, projectID, milestoneID string) (Commitment, bool, error)

	InsertRequest(ctx context.Context, r PayoutRequest) error
	GetRequest(ctx context.Context, requestID string) (PayoutRequest, bool, error)
	// HasOpenOrPaidRequest reports whether any non-rejected request exists
	// for the submilestone triple.
	HasOpenOrPaidRequest(ctx context.Context, projectID, milestoneID, submilestoneID string) (bool, error)
	MarkRejected(ctx context.Context, requestID string, processedAt time.Time) error
	MarkPaid(ctx context.Context, requestID, transferRef string, processedAt time.Time) error

	UpsertVerifier(ctx context.Context, identity string) error
	DeactivateVerifier(ctx context.Context, identity string) error
	IsVerifier(ctx context.Context, identity string) (bool, error)

	AddEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, entityID string) ([]Event, error)
}

// Custodian is the external fund mover (spec'd interface only; custody and
// yield mechanics live behind it).
type Custodian interface {
	PayContributor(ctx context.Context, projectID, milestoneID, submilestoneID, contributor string, amount int64, proof []string) (txRef string, err error)
	IsContributorPaid(ctx context.Context, projectID, milestoneID, submilestoneID, contributor string) (bool, error)
}

// Authorizer decides whether a non-owner signer may perform an owner-gated
// operation (commitments, verifier changes). The delegate authority service
// sits behind this seam.
type Authorizer interface {
	Authorize(ctx context.Context, signer, target, operation string, amount int64) error
}

// Target/operation names presented to the Authorizer for owner-gated calls.
const (
	TargetLedger      = "ledger"
	OpCommitRoot      = "commit_root"
	OpManageVerifiers = "manage_verifiers"
)

type Ledger struct {
	store Store
	cust  Custodian
	auth  Authorizer
	owner string
	log   zerolog.Logger
	now   func() time.Time

	// mu serializes mutating entry points; transferring flags the window
	// in which the custodian side effect is in flight so a re-entrant
	// mutating call fails instead of deadlocking.
	mu           sync.Mutex
	transferring atomic.Bool
}

func New(store Store, cust Custodian, auth Authorizer, ownerIdentity string, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		cust:  cust,
		auth:  auth,
		owner: ownerIdentity,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) guardEntry() error {
	if l.transferring.Load() {
		return fault.Conflictf("a custodian transfer is in flight")
	}
	return nil
}

// transfer wraps the custodian call in the reentrancy window. The flag is
// released by defer so a panic inside the custodian client cannot leave the
// ledger wedged.
func (l *Ledger) transfer(ctx context.Context, r PayoutRequest) (string, error) {
	l.transferring.Store(true)
	defer l.transferring.Store(false)
	return l.cust.PayContributor(ctx, r.ProjectID, r.MilestoneID, r.SubmilestoneID, r.Contributor, r.Amount, r.Proof)
}

func (l *Ledger) authorizeOwnerOp(ctx context.Context, signer, operation string) error {
	if signer == "" {
		return fault.Unauthorizedf("signer identity is required")
	}
	if signer == l.owner {
		return nil
	}
	if l.auth == nil {
		return fault.Unauthorizedf("signer %s is not the owner", signer)
	}
	return l.auth.Authorize(ctx, signer, TargetLedger, operation, 0)
}

// CommitRoot stores a new commitment version for the milestone, superseding
// the prior one. Prior versions stay on record.
func (l *Ledger) CommitRoot(ctx context.Context, signer, projectID, milestoneID, root string) (Commitment, error) {
	if err := l.guardEntry(); err != nil {
		return Commitment{}, err
	}
	if err := l.authorizeOwnerOp(ctx, signer, OpCommitRoot); err != nil {
		return Commitment{}, err
	}
	if projectID == "" || milestoneID == "" {
		return Commitment{}, fault.Validationf("project_id and milestone_id are required")
	}
	if !merkle.IsWellFormedRoot(root) {
		return Commitment{}, fault.Validationf("root must be a 32-byte hex digest")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.store.InsertCommitment(ctx, Commitment{
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		Root:        root,
		CommittedAt: l.now().UTC(),
	})
	if err != nil {
		return Commitment{}, err
	}
	l.emit(ctx, EventRootCommitted, milestoneID, signer, map[string]any{
		"project_id": projectID, "root": c.Root, "version": c.Version,
	})
	l.log.Info().Str("milestone_id", milestoneID).Int("version", c.Version).Msg("root committed")
	return c, nil
}

// RequestPayout admits a payout claim. Every precondition failure aborts
// with no state change.
func (l *Ledger) RequestPayout(ctx context.Context, r PayoutRequest) (PayoutRequest, error) {
	if err := l.guardEntry(); err != nil {
		return PayoutRequest{}, err
	}
	if r.RequestID == "" {
		return PayoutRequest{}, fault.Validationf("request_id is required")
	}
	if r.ProjectID == "" || r.MilestoneID == "" || r.SubmilestoneID == "" {
		return PayoutRequest{}, fault.Validationf("project_id, milestone_id and submilestone_id are required")
	}
	if r.Contributor == "" {
		return PayoutRequest{}, fault.Validationf("contributor is required")
	}
	if r.Amount <= 0 {
		return PayoutRequest{}, fault.Validationf("amount must be positive")
	}
	if r.ExternalRef == "" {
		return PayoutRequest{}, fault.Validationf("external_ref is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	commitment, found, err := l.store.CurrentCommitment(ctx, r.ProjectID, r.MilestoneID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if !found {
		return PayoutRequest{}, fault.Integrityf("no committed root for milestone %s", r.MilestoneID)
	}
	if !merkle.VerifyPayout(commitment.Root, r.ProjectID, r.MilestoneID, r.SubmilestoneID, r.Amount, r.Proof) {
		return PayoutRequest{}, fault.Integrityf("proof does not match committed root for milestone %s", r.MilestoneID)
	}

	paid, err := l.cust.IsContributorPaid(ctx, r.ProjectID, r.MilestoneID, r.SubmilestoneID, r.Contributor)
	if err != nil {
		return PayoutRequest{}, fault.Executionf("custodian paid check: %v", err)
	}
	if paid {
		return PayoutRequest{}, fault.Conflictf("contributor already paid for submilestone %s", r.SubmilestoneID)
	}
	open, err := l.store.HasOpenOrPaidRequest(ctx, r.ProjectID, r.MilestoneID, r.SubmilestoneID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if open {
		return PayoutRequest{}, fault.Conflictf("submilestone %s already has an admitted payout request", r.SubmilestoneID)
	}

	r.Approved = false
	r.Paid = false
	r.TransferRef = ""
	r.ProcessedAt = nil
	r.RequestedAt = l.now().UTC()
	if err := l.store.InsertRequest(ctx, r); err != nil {
		return PayoutRequest{}, err
	}
	l.emit(ctx, EventPayoutRequested, r.RequestID, r.Contributor, map[string]any{
		"project_id":      r.ProjectID,
		"milestone_id":    r.MilestoneID,
		"submilestone_id": r.SubmilestoneID,
		"amount":          r.Amount,
		"external_ref":    r.ExternalRef,
	})
	l.log.Info().Str("request_id", r.RequestID).Int64("amount", r.Amount).Msg("payout requested")
	return r, nil
}

// DecidePayout approves or rejects a pending request. Approval transfers
// through the custodian and marks paid as one unit; a transfer failure fails
// the whole call with the request still pending.
func (l *Ledger) DecidePayout(ctx context.Context, requestID string, approved bool, verifierIdentity string) (PayoutRequest, error) {
	if err := l.guardEntry(); err != nil {
		return PayoutRequest{}, err
	}
	if verifierIdentity == "" {
		return PayoutRequest{}, fault.Unauthorizedf("verifier identity is required")
	}
	active, err := l.store.IsVerifier(ctx, verifierIdentity)
	if err != nil {
		return PayoutRequest{}, err
	}
	if !active {
		return PayoutRequest{}, fault.Unauthorizedf("%s is not an active verifier", verifierIdentity)
	}
	if requestID == "" {
		return PayoutRequest{}, fault.Validationf("request_id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, found, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if !found {
		return PayoutRequest{}, fault.Conflictf("payout request %s does not exist", requestID)
	}
	if r.ProcessedAt != nil {
		return PayoutRequest{}, fault.Conflictf("payout request %s already processed", requestID)
	}

	processedAt := l.now().UTC()
	if !approved {
		if err := l.store.MarkRejected(ctx, requestID, processedAt); err != nil {
			return PayoutRequest{}, err
		}
		r.ProcessedAt = &processedAt
		l.emit(ctx, EventPayoutRejected, requestID, verifierIdentity, map[string]any{
			"submilestone_id": r.SubmilestoneID,
		})
		l.log.Info().Str("request_id", requestID).Msg("payout rejected")
		return r, nil
	}

	txRef, err := l.transfer(ctx, r)
	if err != nil {
		return PayoutRequest{}, fault.Executionf("custodian transfer for %s: %v", requestID, err)
	}
	if err := l.store.MarkPaid(ctx, requestID, txRef, processedAt); err != nil {
		// The transfer settled but the mark did not persist. Surface the
		// error; reconciliation runs off the custodian's paid index.
		l.log.Error().Err(err).Str("request_id", requestID).Str("tx_ref", txRef).Msg("transfer settled but request not marked paid")
		return PayoutRequest{}, err
	}
	r.Approved = true
	r.Paid = true
	r.TransferRef = txRef
	r.ProcessedAt = &processedAt
	l.emit(ctx, EventPayoutApproved, requestID, verifierIdentity, map[string]any{
		"submilestone_id": r.SubmilestoneID, "amount": r.Amount,
	})
	l.emit(ctx, EventPayoutCompleted, requestID, verifierIdentity, map[string]any{
		"tx_ref": txRef, "amount": r.Amount, "contributor": r.Contributor,
	})
	l.log.Info().Str("request_id", requestID).Str("tx_ref", txRef).Int64("amount", r.Amount).Msg("payout completed")
	return r, nil
}

// BatchItem is the independently observable outcome of one entry in a batch
// decision.
type BatchItem struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // PAID | REJECTED | SKIPPED
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// BatchDecide processes each (requestID, approved) pair independently.
// Invalid entries are skipped, never abort the batch.
func (l *Ledger) BatchDecide(ctx context.Context, requestIDs []string, approvals []bool, verifierIdentity string) ([]BatchItem, error) {
	if len(requestIDs) != len(approvals) {
		return nil, fault.Validationf("request_ids and approvals must have equal length")
	}
	if len(requestIDs) == 0 {
		return nil, fault.Validationf("batch is empty")
	}
	items := make([]BatchItem, 0, len(requestIDs))
	for i, id := range requestIDs {
		r, err := l.DecidePayout(ctx, id, approvals[i], verifierIdentity)
		if err != nil {
			items = append(items, BatchItem{
				RequestID: id,
				Status:    "SKIPPED",
				Code:      fault.Code(err),
				Message:   err.Error(),
			})
			l.log.Warn().Str("request_id", id).Str("code", fault.Code(err)).Msg("batch item skipped")
			continue
		}
		items = append(items, BatchItem{RequestID: id, Status: r.Status()})
	}
	return items, nil
}

// AddVerifier activates an identity in the verifier registry.
func (l *Ledger) AddVerifier(ctx context.Context, signer, identity string) error {
	if err := l.guardEntry(); err != nil {
		return err
	}
	if err := l.authorizeOwnerOp(ctx, signer, OpManageVerifiers); err != nil {
		return err
	}
	if identity == "" {
		return fault.Validationf("verifier identity is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.UpsertVerifier(ctx, identity); err != nil {
		return err
	}
	l.emit(ctx, EventVerifierAdded, identity, signer, nil)
	return nil
}

// RemoveVerifier deactivates an identity. Already-processed requests are
// unaffected.
func (l *Ledger) RemoveVerifier(ctx context.Context, signer, identity string) error {
	if err := l.guardEntry(); err != nil {
		return err
	}
	if err := l.authorizeOwnerOp(ctx, signer, OpManageVerifiers); err != nil {
		return err
	}
	if identity == "" {
		return fault.Validationf("verifier identity is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.DeactivateVerifier(ctx, identity); err != nil {
		return err
	}
	l.emit(ctx, EventVerifierRemoved, identity, signer, nil)
	return nil
}

func (l *Ledger) IsVerifier(ctx context.Context, identity string) (bool, error) {
	return l.store.IsVerifier(ctx, identity)
}

func (l *Ledger) GetRequest(ctx context.Context, requestID string) (PayoutRequest, bool, error) {
	return l.store.GetRequest(ctx, requestID)
}

func (l *Ledger) CurrentCommitment(ctx context.Context, projectID, milestoneID string) (Commitment, bool, error) {
	return l.store.CurrentCommitment(ctx, projectID, milestoneID)
}

func (l *Ledger) ListEvents(ctx context.Context, entityID string) ([]Event, error) {
	return l.store.ListEvents(ctx, entityID)
}

func (l *Ledger) emit(ctx context.Context, typ, entityID, actor string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	err := l.store.AddEvent(ctx, Event{
		EventID:    "evt_" + uuid.NewString(),
		Type:       typ,
		EntityID:   entityID,
		Actor:      actor,
		Payload:    payload,
		OccurredAt: l.now().UTC(),
	})
	if err != nil {
		l.log.Error().Err(err).Str("type", typ).Str("entity_id", entityID).Msg("event not recorded")
	}
}
