// Package store persists the capability registry in Postgres. The budget
// increment rides a conditional UPDATE so two service instances charging the
// same capability can never jointly exceed its cumulative limit.
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
	"escrowlane/services/authority/internal/authority"
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

func (s *Store) InsertCapability(ctx context.Context, c authority.Capability) error {
	ops, _ := json.Marshal(c.Operations)
	_, err := s.DB.Exec(ctx, `
INSERT INTO capabilities(capability_id,owner,delegate,target,operations,max_per_operation,max_cumulative,spent_so_far,nonce,expires_at,registered_at,active)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,0,$8,$9,$10,true)
`, c.CapabilityID, c.Owner, c.Delegate, c.Target, string(ops), c.MaxPerOperation, c.MaxCumulative, c.Nonce, c.ExpiresAt, c.RegisteredAt)
	if isUniqueViolation(err) {
		return fault.Conflictf("capability nonce already used")
	}
	return err
}

const capabilityColumns = `capability_id,owner,delegate,target,operations,max_per_operation,max_cumulative,spent_so_far,nonce,expires_at,registered_at,active,revoked_at`

func scanCapability(row pgx.Row) (authority.Capability, error) {
	var c authority.Capability
	var ops []byte
	err := row.Scan(&c.CapabilityID, &c.Owner, &c.Delegate, &c.Target, &ops,
		&c.MaxPerOperation, &c.MaxCumulative, &c.SpentSoFar, &c.Nonce,
		&c.ExpiresAt, &c.RegisteredAt, &c.Active, &c.RevokedAt)
	if err != nil {
		return authority.Capability{}, err
	}
	_ = json.Unmarshal(ops, &c.Operations)
	return c, nil
}

func (s *Store) GetCapability(ctx context.Context, capabilityID string) (authority.Capability, bool, error) {
	c, err := scanCapability(s.DB.QueryRow(ctx, `
SELECT `+capabilityColumns+` FROM capabilities WHERE capability_id=$1
`, capabilityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return authority.Capability{}, false, nil
	}
	if err != nil {
		return authority.Capability{}, false, err
	}
	return c, true, nil
}

func (s *Store) ActiveCapabilities(ctx context.Context, delegate, target string) ([]authority.Capability, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+capabilityColumns+`
FROM capabilities
WHERE delegate=$1 AND target=$2 AND active
ORDER BY registered_at ASC
`, delegate, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authority.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Charge increments spent_so_far under every admission condition in one
// statement. Zero rows affected means the capability cannot absorb the
// amount right now.
func (s *Store) Charge(ctx context.Context, capabilityID string, amount int64, at time.Time) (authority.Capability, error) {
	c, err := scanCapability(s.DB.QueryRow(ctx, `
UPDATE capabilities
SET spent_so_far = spent_so_far + $2
WHERE capability_id=$1
  AND active
  AND expires_at > $3
  AND spent_so_far + $2 <= max_cumulative
RETURNING `+capabilityColumns+`
`, capabilityID, amount, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return authority.Capability{}, fault.Unauthorizedf("capability %s cannot admit the charge", capabilityID)
	}
	if err != nil {
		return authority.Capability{}, err
	}
	return c, nil
}

func (s *Store) Revoke(ctx context.Context, capabilityID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE capabilities SET active=false, revoked_at=$2
WHERE capability_id=$1 AND active
`, capabilityID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("capability %s already revoked", capabilityID)
	}
	return nil
}

func (s *Store) AddEvent(ctx context.Context, e authority.Event) error {
	b, _ := json.Marshal(e.Payload)
	_, err := s.DB.Exec(ctx, `
INSERT INTO authority_events(event_id,type,entity_id,actor,payload,occurred_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
`, e.EventID, e.Type, e.EntityID, e.Actor, string(b), e.OccurredAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, entityID string) ([]authority.Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,type,entity_id,actor,payload,occurred_at
FROM authority_events WHERE entity_id=$1 ORDER BY occurred_at ASC
`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authority.Event
	for rows.Next() {
		var e authority.Event
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
