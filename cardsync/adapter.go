package cardsync

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/cardfed/domain"
	"github.com/google/uuid"
)

// CardSummary is one entry of a platform listing.
type CardSummary struct {
	LocalID      string
	Name         string
	LastModified time.Time
}

// PlatformAdapter is the storage of one hosting platform. GetCard,
// DeleteCard and GetLastModified return a *domain.NotFoundError for
// unknown ids.
type PlatformAdapter interface {
	// SaveCard writes card under localID, or under a new id when localID is
	// empty, and returns the id it was stored under.
	SaveCard(ctx context.Context, card *domain.Card, localID string) (string, error)
	GetCard(ctx context.Context, localID string) (*domain.Card, error)
	ListCards(ctx context.Context) ([]CardSummary, error)
	DeleteCard(ctx context.Context, localID string) error
	GetLastModified(ctx context.Context, localID string) (time.Time, error)
}

// StateStore persists CardSyncState records.
type StateStore interface {
	// GetSyncState returns nil, nil when no state exists.
	GetSyncState(ctx context.Context, federatedID string) (*domain.CardSyncState, error)
	FindSyncStateByPlatformID(ctx context.Context, platform domain.PlatformID, localID string) (*domain.CardSyncState, error)
	SaveSyncState(ctx context.Context, state *domain.CardSyncState) error
	ListSyncStates(ctx context.Context) ([]*domain.CardSyncState, error)
	DeleteSyncState(ctx context.Context, federatedID string) error
	// IncrementForkCount records n against federatedID and returns the updated state.
	IncrementForkCount(ctx context.Context, federatedID string, n domain.ForkNotification) (*domain.CardSyncState, error)
}

type memoryCard struct {
	card     *domain.Card
	modified time.Time
}

// MemoryAdapter is a PlatformAdapter held in process memory.
type MemoryAdapter struct {
	mu    sync.RWMutex
	cards map[string]memoryCard
	now   func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{cards: map[string]memoryCard{}, now: time.Now}
}

func (m *MemoryAdapter) SaveCard(_ context.Context, card *domain.Card, localID string) (string, error) {
	copied, err := copyCard(card)
	if err != nil {
		return "", err
	}
	if localID == "" {
		localID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[localID] = memoryCard{card: copied, modified: m.now()}
	return localID, nil
}

func (m *MemoryAdapter) GetCard(_ context.Context, localID string) (*domain.Card, error) {
	m.mu.RLock()
	entry, ok := m.cards[localID]
	m.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "card", ID: localID}
	}
	return copyCard(entry.card)
}

func (m *MemoryAdapter) ListCards(context.Context) ([]CardSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CardSummary, 0, len(m.cards))
	for id, entry := range m.cards {
		out = append(out, CardSummary{LocalID: id, Name: entry.card.Data.Name, LastModified: entry.modified})
	}
	slices.SortFunc(out, func(a, b CardSummary) int { return strings.Compare(a.LocalID, b.LocalID) })
	return out, nil
}

func (m *MemoryAdapter) DeleteCard(_ context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[localID]; !ok {
		return &domain.NotFoundError{Kind: "card", ID: localID}
	}
	delete(m.cards, localID)
	return nil
}

func (m *MemoryAdapter) GetLastModified(_ context.Context, localID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cards[localID]
	if !ok {
		return time.Time{}, &domain.NotFoundError{Kind: "card", ID: localID}
	}
	return entry.modified, nil
}

func copyCard(card *domain.Card) (*domain.Card, error) {
	raw, err := card.Marshal()
	if err != nil {
		return nil, err
	}
	return domain.ParseCard(raw)
}
