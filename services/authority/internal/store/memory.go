package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrowlane/pkg/fault"
	"escrowlane/services/authority/internal/authority"
)

// Memory is the in-process store used by tests and local development. Charge
// applies the whole admission check under the store mutex, matching the
// atomicity of the Postgres conditional UPDATE.
type Memory struct {
	mu           sync.Mutex
	capabilities map[string]authority.Capability
	nonces       map[string]bool
	events       []authority.Event
}

func NewMemory() *Memory {
	return &Memory{
		capabilities: map[string]authority.Capability{},
		nonces:       map[string]bool{},
	}
}

func (m *Memory) InsertCapability(ctx context.Context, c authority.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces[c.Nonce] {
		return fault.Conflictf("capability nonce already used")
	}
	if _, exists := m.capabilities[c.CapabilityID]; exists {
		return fault.Conflictf("capability %s already exists", c.CapabilityID)
	}
	m.nonces[c.Nonce] = true
	m.capabilities[c.CapabilityID] = c
	return nil
}

func (m *Memory) GetCapability(ctx context.Context, capabilityID string) (authority.Capability, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[capabilityID]
	return c, ok, nil
}

func (m *Memory) ActiveCapabilities(ctx context.Context, delegate, target string) ([]authority.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []authority.Capability
	for _, c := range m.capabilities {
		if c.Delegate == delegate && c.Target == target && c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) Charge(ctx context.Context, capabilityID string, amount int64, at time.Time) (authority.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[capabilityID]
	if !ok || !c.Active || !c.ExpiresAt.After(at) || c.SpentSoFar+amount > c.MaxCumulative {
		return authority.Capability{}, fault.Unauthorizedf("capability %s cannot admit the charge", capabilityID)
	}
	c.SpentSoFar += amount
	m.capabilities[capabilityID] = c
	return c, nil
}

func (m *Memory) Revoke(ctx context.Context, capabilityID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[capabilityID]
	if !ok || !c.Active {
		return fault.Conflictf("capability %s already revoked", capabilityID)
	}
	c.Active = false
	c.RevokedAt = &at
	m.capabilities[capabilityID] = c
	return nil
}

func (m *Memory) AddEvent(ctx context.Context, e authority.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, entityID string) ([]authority.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []authority.Event
	for _, e := range m.events {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
