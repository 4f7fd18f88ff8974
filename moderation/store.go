package moderation

import (
	"context"

	"github.com/deemkeen/cardfed/domain"
)

// Getters return nil, nil for unknown records.

type ReportStore interface {
	SaveReport(ctx context.Context, r *domain.ModerationReport) error
	GetReport(ctx context.Context, id string) (*domain.ModerationReport, error)
	// ListReports filters by status unless it is empty.
	ListReports(ctx context.Context, status string) ([]*domain.ModerationReport, error)
}

type ActionStore interface {
	SaveAction(ctx context.Context, a *domain.ModerationAction) error
	GetAction(ctx context.Context, id string) (*domain.ModerationAction, error)
	// ListActions filters by target unless it is empty.
	ListActions(ctx context.Context, targetID string) ([]*domain.ModerationAction, error)
}

// BlockStore keys instance blocks by lowercased domain.
type BlockStore interface {
	SaveInstanceBlock(ctx context.Context, b *domain.InstanceBlock) error
	GetInstanceBlock(ctx context.Context, domainName string) (*domain.InstanceBlock, error)
	ListInstanceBlocks(ctx context.Context) ([]*domain.InstanceBlock, error)
}

type PolicyStore interface {
	SavePolicy(ctx context.Context, p *domain.ContentPolicy) error
	GetPolicy(ctx context.Context, id string) (*domain.ContentPolicy, error)
	// ListPolicies returns policies in creation order.
	ListPolicies(ctx context.Context) ([]*domain.ContentPolicy, error)
	DeletePolicy(ctx context.Context, id string) error
}

type BucketStore interface {
	GetBucket(ctx context.Context, actorID string) (*domain.RateLimitBucket, error)
	SaveBucket(ctx context.Context, b *domain.RateLimitBucket) error
	DeleteBucket(ctx context.Context, actorID string) error
}

// Store is the full moderation persistence surface, implemented by
// db.DB and db.MemoryStore.
type Store interface {
	ReportStore
	ActionStore
	BlockStore
	PolicyStore
	BucketStore
}
