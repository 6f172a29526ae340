// Package store persists the payout ledger in Postgres. Conditional updates
// carry the state-machine invariants into SQL so a second service instance
// cannot re-process a terminal request.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowlane/pkg/fault"
	"escrowlane/services/ledger/internal/ledger"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the embedded schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *Store) InsertCommitment(ctx context.Context, c ledger.Commitment) (ledger.Commitment, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO milestone_commitments(project_id,milestone_id,version,root,committed_at)
VALUES($1,$2,(SELECT COALESCE(MAX(version),0)+1 FROM milestone_commitments WHERE project_id=$1 AND milestone_id=$2),$3,$4)
RETURNING version
`, c.ProjectID, c.MilestoneID, c.Root, c.CommittedAt).Scan(&c.Version)
	if err != nil {
		return ledger.Commitment{}, err
	}
	return c, nil
}

func (s *Store) CurrentCommitment(ctx context.Context, projectID, milestoneID string) (ledger.Commitment, bool, error) {
	var c ledger.Commitment
	err := s.DB.QueryRow(ctx, `
SELECT project_id,milestone_id,version,root,committed_at
FROM milestone_commitments
WHERE project_id=$1 AND milestone_id=$2
ORDER BY version DESC
LIMIT 1
`, projectID, milestoneID).Scan(&c.ProjectID, &c.MilestoneID, &c.Version, &c.Root, &c.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Commitment{}, false, nil
	}
	if err != nil {
		return ledger.Commitment{}, false, err
	}
	return c, true, nil
}

func (s *Store) InsertRequest(ctx context.Context, r ledger.PayoutRequest) error {
	proof, _ := json.Marshal(r.Proof)
	_, err := s.DB.Exec(ctx, `
INSERT INTO payout_requests(request_id,project_id,milestone_id,submilestone_id,contributor,amount,proof,external_ref,requested_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)
`, r.RequestID, r.ProjectID, r.MilestoneID, r.SubmilestoneID, r.Contributor, r.Amount, string(proof), r.ExternalRef, r.RequestedAt)
	if isUniqueViolation(err) {
		return fault.Conflictf("payout request %s already exists", r.RequestID)
	}
	return err
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (ledger.PayoutRequest, bool, error) {
	var r ledger.PayoutRequest
	var proof []byte
	var transferRef *string
	err := s.DB.QueryRow(ctx, `
SELECT request_id,project_id,milestone_id,submilestone_id,contributor,amount,proof,external_ref,approved,paid,transfer_ref,requested_at,processed_at
FROM payout_requests WHERE request_id=$1
`, requestID).Scan(&r.RequestID, &r.ProjectID, &r.MilestoneID, &r.SubmilestoneID, &r.Contributor, &r.Amount,
		&proof, &r.ExternalRef, &r.Approved, &r.Paid, &transferRef, &r.RequestedAt, &r.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PayoutRequest{}, false, nil
	}
	if err != nil {
		return ledger.PayoutRequest{}, false, err
	}
	_ = json.Unmarshal(proof, &r.Proof)
	if transferRef != nil {
		r.TransferRef = *transferRef
	}
	return r, true, nil
}

func (s *Store) HasOpenOrPaidRequest(ctx context.Context, projectID, milestoneID, submilestoneID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM payout_requests
  WHERE project_id=$1 AND milestone_id=$2 AND submilestone_id=$3
    AND (processed_at IS NULL OR paid)
)`, projectID, milestoneID, submilestoneID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkRejected(ctx context.Context, requestID string, processedAt time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE payout_requests SET approved=false, paid=false, processed_at=$2
WHERE request_id=$1 AND processed_at IS NULL
`, requestID, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("payout request %s already processed", requestID)
	}
	return nil
}

func (s *Store) MarkPaid(ctx context.Context, requestID, transferRef string, processedAt time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE payout_requests SET approved=true, paid=true, transfer_ref=$2, processed_at=$3
WHERE request_id=$1 AND processed_at IS NULL
`, requestID, transferRef, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("payout request %s already processed", requestID)
	}
	return nil
}

func (s *Store) UpsertVerifier(ctx context.Context, identity string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO verifiers(identity,active) VALUES($1,true)
ON CONFLICT (identity) DO UPDATE SET active=true, updated_at=now()
`, identity)
	return err
}

func (s *Store) DeactivateVerifier(ctx context.Context, identity string) error {
	_, err := s.DB.Exec(ctx, `UPDATE verifiers SET active=false, updated_at=now() WHERE identity=$1`, identity)
	return err
}

func (s *Store) IsVerifier(ctx context.Context, identity string) (bool, error) {
	var active bool
	err := s.DB.QueryRow(ctx, `SELECT active FROM verifiers WHERE identity=$1`, identity).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func (s *Store) AddEvent(ctx context.Context, e ledger.Event) error {
	b, _ := json.Marshal(e.Payload)
	_, err := s.DB.Exec(ctx, `
INSERT INTO ledger_events(event_id,type,entity_id,actor,payload,occurred_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
`, e.EventID, e.Type, e.EntityID, e.Actor, string(b), e.OccurredAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, entityID string) ([]ledger.Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,type,entity_id,actor,payload,occurred_at
FROM ledger_events WHERE entity_id=$1 ORDER BY occurred_at ASC
`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.Type, &e.EntityID, &e.Actor, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
