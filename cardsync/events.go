package cardsync

import (
	"context"
	"sync"
	"time"

	"github.com/deemkeen/cardfed/domain"
	"go.uber.org/zap"
)

type EventType string

const (
	EventSyncStarted     EventType = "sync:started"
	EventCardSynced      EventType = "card:synced"
	EventSyncCompleted   EventType = "sync:completed"
	EventCardForked      EventType = "card:forked"
	EventConflict        EventType = "card:conflict"
	EventInstallReceived EventType = "card:install-received"
	EventForkReceived    EventType = "card:fork-received"
	EventLikeReceived    EventType = "card:like-received"
)

type Event struct {
	Type        EventType         `json:"type"`
	FederatedID string            `json:"federatedId,omitempty"`
	Platform    domain.PlatformID `json:"platform,omitempty"`
	Target      domain.PlatformID `json:"target,omitempty"`
	ActorID     string            `json:"actorId,omitempty"`
	SourceID    string            `json:"sourceId,omitempty"`
	Results     []SyncResult      `json:"results,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Listener receives engine events. It runs on the caller's goroutine.
type Listener func(ctx context.Context, ev Event)

// bus delivers events synchronously, in subscription order.
type bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (b *bus) subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *bus) emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		deliver(ctx, l, ev)
	}
}

func deliver(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Sync: listener for %s panicked: %v", ev.Type, r)
		}
	}()
	l(ctx, ev)
}
