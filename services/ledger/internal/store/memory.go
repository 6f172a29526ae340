package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrowlane/pkg/fault"
	"escrowlane/services/ledger/internal/ledger"
)

// Memory is the in-process store used by tests and local development. It
// implements the same ledger.Store contract as the Postgres store.
type Memory struct {
	mu          sync.Mutex
	commitments map[string][]ledger.Commitment // project\x00milestone -> versions
	requests    map[string]ledger.PayoutRequest
	verifiers   map[string]bool
	events      []ledger.Event
}

func NewMemory() *Memory {
	return &Memory{
		commitments: map[string][]ledger.Commitment{},
		requests:    map[string]ledger.PayoutRequest{},
		verifiers:   map[string]bool{},
	}
}

func commitmentKey(projectID, milestoneID string) string {
	return projectID + "\x00" + milestoneID
}

func (m *Memory) InsertCommitment(ctx context.Context, c ledger.Commitment) (ledger.Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commitmentKey(c.ProjectID, c.MilestoneID)
	c.Version = len(m.commitments[key]) + 1
	m.commitments[key] = append(m.commitments[key], c)
	return c, nil
}

func (m *Memory) CurrentCommitment(ctx context.Context, projectID, milestoneID string) (ledger.Commitment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.commitments[commitmentKey(projectID, milestoneID)]
	if len(versions) == 0 {
		return ledger.Commitment{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (m *Memory) InsertRequest(ctx context.Context, r ledger.PayoutRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.RequestID]; exists {
		return fault.Conflictf("payout request %s already exists", r.RequestID)
	}
	m.requests[r.RequestID] = r
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, requestID string) (ledger.PayoutRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	return r, ok, nil
}

func (m *Memory) HasOpenOrPaidRequest(ctx context.Context, projectID, milestoneID, submilestoneID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ProjectID != projectID || r.MilestoneID != milestoneID || r.SubmilestoneID != submilestoneID {
			continue
		}
		if r.ProcessedAt == nil || r.Paid {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) MarkRejected(ctx context.Context, requestID string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.ProcessedAt != nil {
		return fault.Conflictf("payout request %s already processed", requestID)
	}
	r.Approved = false
	r.Paid = false
	r.ProcessedAt = &processedAt
	m.requests[requestID] = r
	return nil
}

func (m *Memory) MarkPaid(ctx context.Context, requestID, transferRef string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.ProcessedAt != nil {
		return fault.Conflictf("payout request %s already processed", requestID)
	}
	r.Approved = true
	r.Paid = true
	r.TransferRef = transferRef
	r.ProcessedAt = &processedAt
	m.requests[requestID] = r
	return nil
}

func (m *Memory) UpsertVerifier(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifiers[identity] = true
	return nil
}

func (m *Memory) DeactivateVerifier(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verifiers[identity]; ok {
		m.verifiers[identity] = false
	}
	return nil
}

func (m *Memory) IsVerifier(ctx context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifiers[identity], nil
}

func (m *Memory) AddEvent(ctx context.Context, e ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, entityID string) ([]ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Event
	for _, e := range m.events {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
