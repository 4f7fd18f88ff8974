package db

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/cardfed/domain"
)

// MemoryStore keeps sync state and moderation records in process memory.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string]*domain.CardSyncState
	stateOrder  map[string]time.Time
	reports     map[string]*domain.ModerationReport
	actions     map[string]*domain.ModerationAction
	blocks      map[string]*domain.InstanceBlock
	policies    map[string]*domain.ContentPolicy
	buckets     map[string]domain.RateLimitBucket
	policyOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:     map[string]*domain.CardSyncState{},
		stateOrder: map[string]time.Time{},
		reports:    map[string]*domain.ModerationReport{},
		actions:    map[string]*domain.ModerationAction{},
		blocks:     map[string]*domain.InstanceBlock{},
		policies:   map[string]*domain.ContentPolicy{},
		buckets:    map[string]domain.RateLimitBucket{},
	}
}

func (m *MemoryStore) GetSyncState(_ context.Context, federatedID string) (*domain.CardSyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[federatedID].Clone(), nil
}

func (m *MemoryStore) FindSyncStateByPlatformID(_ context.Context, platform domain.PlatformID, localID string) (*domain.CardSyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		if id, ok := s.PlatformIDs[platform]; ok && id == localID {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveSyncState(_ context.Context, state *domain.CardSyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.FederatedID] = state.Clone()
	m.stateOrder[state.FederatedID] = time.Now()
	return nil
}

// ListSyncStates returns states most recently saved first.
func (m *MemoryStore) ListSyncStates(_ context.Context) ([]*domain.CardSyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.CardSyncState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.CardSyncState) int {
		if c := m.stateOrder[b.FederatedID].Compare(m.stateOrder[a.FederatedID]); c != 0 {
			return c
		}
		return strings.Compare(a.FederatedID, b.FederatedID)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSyncState(_ context.Context, federatedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, federatedID)
	delete(m.stateOrder, federatedID)
	return nil
}

func (m *MemoryStore) IncrementForkCount(_ context.Context, federatedID string, n domain.ForkNotification) (*domain.CardSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[federatedID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "sync state", ID: federatedID}
	}
	s.AddForkNotification(n)
	m.stateOrder[federatedID] = time.Now()
	return s.Clone(), nil
}

func (m *MemoryStore) SaveReport(_ context.Context, r *domain.ModerationReport) error {
	c := copyReport(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = c
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, id string) (*domain.ModerationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	return copyReport(r), nil
}

func (m *MemoryStore) ListReports(_ context.Context, status string) ([]*domain.ModerationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ModerationReport
	for _, r := range m.reports {
		if status == "" || r.Status == status {
			out = append(out, copyReport(r))
		}
	}
	slices.SortFunc(out, func(a, b *domain.ModerationReport) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func copyReport(r *domain.ModerationReport) *domain.ModerationReport {
	c := *r
	c.TargetIDs = slices.Clone(r.TargetIDs)
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) SaveAction(_ context.Context, a *domain.ModerationAction) error {
	c := copyAction(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = c
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, id string) (*domain.ModerationAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, nil
	}
	return copyAction(a), nil
}

func (m *MemoryStore) ListActions(_ context.Context, targetID string) ([]*domain.ModerationAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ModerationAction
	for _, a := range m.actions {
		if targetID == "" || a.TargetID == targetID {
			out = append(out, copyAction(a))
		}
	}
	slices.SortFunc(out, func(a, b *domain.ModerationAction) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func copyAction(a *domain.ModerationAction) *domain.ModerationAction {
	c := *a
	c.ApprovedBy = slices.Clone(a.ApprovedBy)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *MemoryStore) SaveInstanceBlock(_ context.Context, b *domain.InstanceBlock) error {
	c := *b
	c.BlockedDomain = strings.ToLower(b.BlockedDomain)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[c.BlockedDomain] = &c
	return nil
}

func (m *MemoryStore) GetInstanceBlock(_ context.Context, domainName string) (*domain.InstanceBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[strings.ToLower(domainName)]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (m *MemoryStore) ListInstanceBlocks(_ context.Context) ([]*domain.InstanceBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.InstanceBlock, 0, len(m.blocks))
	for _, b := range m.blocks {
		c := *b
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.InstanceBlock) int {
		return strings.Compare(a.BlockedDomain, b.BlockedDomain)
	})
	return out, nil
}

func (m *MemoryStore) SavePolicy(_ context.Context, p *domain.ContentPolicy) error {
	c := copyPolicy(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		m.policyOrder = append(m.policyOrder, p.ID)
	}
	m.policies[p.ID] = c
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, id string) (*domain.ContentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, nil
	}
	return copyPolicy(p), nil
}

// ListPolicies returns policies in the order they were first saved.
func (m *MemoryStore) ListPolicies(_ context.Context) ([]*domain.ContentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.ContentPolicy, 0, len(m.policyOrder))
	for _, id := range m.policyOrder {
		out = append(out, copyPolicy(m.policies[id]))
	}
	return out, nil
}

func (m *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return nil
	}
	delete(m.policies, id)
	m.policyOrder = slices.DeleteFunc(m.policyOrder, func(s string) bool { return s == id })
	return nil
}

func copyPolicy(p *domain.ContentPolicy) *domain.ContentPolicy {
	c := *p
	c.Rules = make([]domain.ContentPolicyRule, len(p.Rules))
	for i, r := range p.Rules {
		r.TargetFields = slices.Clone(r.TargetFields)
		c.Rules[i] = r
	}
	return &c
}

func (m *MemoryStore) GetBucket(_ context.Context, actorID string) (*domain.RateLimitBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[actorID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) SaveBucket(_ context.Context, b *domain.RateLimitBucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[b.ActorID] = *b
	return nil
}

func (m *MemoryStore) DeleteBucket(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, actorID)
	return nil
}
