package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/cardfed/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// store is everything both backends implement.
type store interface {
	GetSyncState(ctx context.Context, federatedID string) (*domain.CardSyncState, error)
	FindSyncStateByPlatformID(ctx context.Context, platform domain.PlatformID, localID string) (*domain.CardSyncState, error)
	SaveSyncState(ctx context.Context, state *domain.CardSyncState) error
	ListSyncStates(ctx context.Context) ([]*domain.CardSyncState, error)
	DeleteSyncState(ctx context.Context, federatedID string) error
	IncrementForkCount(ctx context.Context, federatedID string, n domain.ForkNotification) (*domain.CardSyncState, error)

	SaveReport(ctx context.Context, r *domain.ModerationReport) error
	GetReport(ctx context.Context, id string) (*domain.ModerationReport, error)
	ListReports(ctx context.Context, status string) ([]*domain.ModerationReport, error)
	SaveAction(ctx context.Context, a *domain.ModerationAction) error
	GetAction(ctx context.Context, id string) (*domain.ModerationAction, error)
	ListActions(ctx context.Context, targetID string) ([]*domain.ModerationAction, error)
	SaveInstanceBlock(ctx context.Context, b *domain.InstanceBlock) error
	GetInstanceBlock(ctx context.Context, domainName string) (*domain.InstanceBlock, error)
	ListInstanceBlocks(ctx context.Context) ([]*domain.InstanceBlock, error)
	SavePolicy(ctx context.Context, p *domain.ContentPolicy) error
	GetPolicy(ctx context.Context, id string) (*domain.ContentPolicy, error)
	ListPolicies(ctx context.Context) ([]*domain.ContentPolicy, error)
	DeletePolicy(ctx context.Context, id string) error
	GetBucket(ctx context.Context, actorID string) (*domain.RateLimitBucket, error)
	SaveBucket(ctx context.Context, b *domain.RateLimitBucket) error
	DeleteBucket(ctx context.Context, actorID string) error
}

var (
	_ store = (*DB)(nil)
	_ store = (*MemoryStore)(nil)
)

// setupTestDB opens a migrated in-memory sqlite database.
func setupTestDB(t *testing.T, prefix string) *DB {
	t.Helper()
	d, err := Open(context.Background(), DriverSQLite, ":memory:", prefix)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func forEachStore(t *testing.T, f func(t *testing.T, s store)) {
	t.Run("sqlite", func(t *testing.T) { f(t, setupTestDB(t, "")) })
	t.Run("sqlite_prefixed", func(t *testing.T) { f(t, setupTestDB(t, "cf_")) })
	t.Run("memory", func(t *testing.T) { f(t, NewMemoryStore()) })
}

func testState() *domain.CardSyncState {
	s := domain.NewCardSyncState("https://cards.example/cards/"+uuid.NewString(), "arc-1")
	s.PlatformIDs["archive"] = "arc-1"
	s.PlatformIDs["hub"] = "hub-9"
	s.LastSync["archive"] = time.UnixMilli(1700000000000).UTC()
	s.LastSync["hub"] = time.UnixMilli(1700000001000).UTC()
	s.VersionHash = "abc123"
	s.Status = domain.SyncStatusSynced
	return s
}

func TestValidateTablePrefix(t *testing.T) {
	tests := []struct {
		prefix string
		valid  bool
	}{
		{"", true},
		{"cf_", true},
		{"Cards2", true},
		{"a", true},
		{strings.Repeat("a", 32), true},
		{strings.Repeat("a", 33), false},
		{"1cards", false},
		{"_cards", false},
		{"cards;drop", false},
		{"cards-x", false},
		{"cards x", false},
	}
	for _, tt := range tests {
		err := ValidateTablePrefix(tt.prefix)
		if tt.valid {
			assert.NoError(t, err, tt.prefix)
		} else {
			assert.True(t, domain.IsConfig(err), "prefix %q should be rejected", tt.prefix)
		}
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), DriverSQLite, ":memory:", "x; DROP TABLE y")
	assert.True(t, domain.IsConfig(err))

	_, err = Open(context.Background(), "mysql", "whatever", "")
	assert.True(t, domain.IsConfig(err))
}

func TestQueryRewrite(t *testing.T) {
	d := &DB{driver: DriverPostgres, prefix: "cf_"}
	got := d.q(`SELECT * FROM {sync_states} WHERE a = ? AND b = ?`)
	assert.Equal(t, `SELECT * FROM cf_sync_states WHERE a = $1 AND b = $2`, got)

	d = &DB{driver: DriverSQLite}
	got = d.q(`DELETE FROM {rate_limit_buckets} WHERE actor_id = ?`)
	assert.Equal(t, `DELETE FROM rate_limit_buckets WHERE actor_id = ?`, got)
}

func TestForUpdate(t *testing.T) {
	d := &DB{driver: DriverPostgres}
	assert.Equal(t, `SELECT forks_count FROM sync_states WHERE federated_id = $1 FOR UPDATE`,
		d.forUpdate(d.q(`SELECT forks_count FROM {sync_states} WHERE federated_id = ?`)))

	d = &DB{driver: DriverSQLite}
	assert.Equal(t, `SELECT 1`, d.forUpdate(`SELECT 1`))
}

func TestRunMigrationsIdempotent(t *testing.T) {
	d := setupTestDB(t, "cf_")
	require.NoError(t, d.RunMigrations(context.Background()))

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'cf_%'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, len(tableNames), n)
}

func TestSyncStateRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		state := testState()
		state.Conflict = &domain.SyncConflict{LocalVersion: "a", RemoteVersion: "b", RemotePlatform: "hub"}
		state.ForkedFrom = &domain.ForkOrigin{FederatedID: "https://other.example/cards/1", Platform: "archive", ForkedAt: time.UnixMilli(1690000000000).UTC()}
		require.NoError(t, s.SaveSyncState(ctx, state))

		got, err := s.GetSyncState(ctx, state.FederatedID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, state.PlatformIDs, got.PlatformIDs)
		assert.True(t, state.LastSync["hub"].Equal(got.LastSync["hub"]))
		assert.Equal(t, "abc123", got.VersionHash)
		assert.Equal(t, domain.SyncStatusSynced, got.Status)
		require.NotNil(t, got.Conflict)
		assert.Equal(t, domain.PlatformID("hub"), got.Conflict.RemotePlatform)
		require.NotNil(t, got.ForkedFrom)
		assert.Equal(t, "https://other.example/cards/1", got.ForkedFrom.FederatedID)
		assert.Nil(t, got.Stats)

		missing, err := s.GetSyncState(ctx, "https://cards.example/cards/none")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestFindSyncStateByPlatformID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		state := testState()
		require.NoError(t, s.SaveSyncState(ctx, state))

		got, err := s.FindSyncStateByPlatformID(ctx, "hub", "hub-9")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, state.FederatedID, got.FederatedID)

		got, err = s.FindSyncStateByPlatformID(ctx, "archive", "hub-9")
		require.NoError(t, err)
		assert.Nil(t, got)

		// remapping drops the old platform id
		delete(state.PlatformIDs, "hub")
		require.NoError(t, s.SaveSyncState(ctx, state))
		got, err = s.FindSyncStateByPlatformID(ctx, "hub", "hub-9")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestListAndDeleteSyncStates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		a, b := testState(), testState()
		b.PlatformIDs = map[domain.PlatformID]string{"archive": "arc-2"}
		require.NoError(t, s.SaveSyncState(ctx, a))
		require.NoError(t, s.SaveSyncState(ctx, b))

		all, err := s.ListSyncStates(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, s.DeleteSyncState(ctx, a.FederatedID))
		all, err = s.ListSyncStates(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, b.FederatedID, all[0].FederatedID)

		got, err := s.FindSyncStateByPlatformID(ctx, "archive", "arc-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestIncrementForkCountCapsNotifications(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		state := testState()
		require.NoError(t, s.SaveSyncState(ctx, state))

		base := time.UnixMilli(1700000000000).UTC()
		for i := 0; i < 105; i++ {
			_, err := s.IncrementForkCount(ctx, state.FederatedID, domain.ForkNotification{
				ForkID:    fmt.Sprintf("fork-%d", i),
				ActorID:   "https://remote.example/actor",
				Platform:  "hub",
				Timestamp: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		got, err := s.GetSyncState(ctx, state.FederatedID)
		require.NoError(t, err)
		assert.Equal(t, 105, got.ForksCount)
		require.Len(t, got.ForkNotifications, domain.MaxForkNotifications)
		assert.Equal(t, "fork-5", got.ForkNotifications[0].ForkID)
		assert.Equal(t, "fork-104", got.ForkNotifications[99].ForkID)
		require.NotNil(t, got.Stats)
		assert.Equal(t, 105, got.Stats.ForkCount)
	})
}

func TestIncrementForkCountConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		state := testState()
		require.NoError(t, s.SaveSyncState(ctx, state))

		const forks = 20
		var wg sync.WaitGroup
		errs := make(chan error, forks)
		for i := 0; i < forks; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.IncrementForkCount(ctx, state.FederatedID, domain.ForkNotification{
					ForkID:    fmt.Sprintf("fork-%d", i),
					Platform:  "hub",
					Timestamp: time.UnixMilli(1700000000000).UTC(),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetSyncState(ctx, state.FederatedID)
		require.NoError(t, err)
		assert.Equal(t, forks, got.ForksCount)
		assert.Len(t, got.ForkNotifications, forks)
	})
}

func TestIncrementForkCountUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		_, err := s.IncrementForkCount(context.Background(), "https://cards.example/cards/none", domain.ForkNotification{ForkID: "x"})
		assert.True(t, domain.IsNotFound(err))
	})
}

func TestReports(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000).UTC()
		r := &domain.ModerationReport{
			ID:               uuid.NewString(),
			ReporterActorID:  "https://remote.example/users/alice",
			ReporterInstance: "remote.example",
			TargetIDs:        []string{"https://cards.example/cards/1"},
			Category:         "spam",
			Description:      "obvious spam",
			Status:           domain.ReportStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
			Metadata:         map[string]any{"source": "flag"},
		}
		require.NoError(t, s.SaveReport(ctx, r))

		got, err := s.GetReport(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, r.TargetIDs, got.TargetIDs)
		assert.Equal(t, "flag", got.Metadata["source"])
		assert.True(t, now.Equal(got.CreatedAt))

		r.Status = domain.ReportStatusResolved
		r.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, s.SaveReport(ctx, r))

		pending, err := s.ListReports(ctx, domain.ReportStatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
		resolved, err := s.ListReports(ctx, domain.ReportStatusResolved)
		require.NoError(t, err)
		assert.Len(t, resolved, 1)
		all, err := s.ListReports(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		missing, err := s.GetReport(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestActions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000).UTC()
		expires := now.Add(24 * time.Hour)
		a := &domain.ModerationAction{
			ID:               uuid.NewString(),
			ModeratorActorID: "https://cards.example/actor",
			TargetID:         "https://cards.example/cards/1",
			ActionType:       "hide",
			Reason:           "reported",
			Timestamp:        now,
			ExpiresAt:        &expires,
			Active:           true,
			ApprovedBy:       []string{"mod1"},
		}
		require.NoError(t, s.SaveAction(ctx, a))

		got, err := s.GetAction(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Active)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, expires.Equal(*got.ExpiresAt))
		assert.Equal(t, []string{"mod1"}, got.ApprovedBy)

		a.Active = false
		require.NoError(t, s.SaveAction(ctx, a))
		list, err := s.ListActions(ctx, a.TargetID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.False(t, list[0].Active)

		other, err := s.ListActions(ctx, "https://cards.example/cards/2")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestInstanceBlocks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		b := &domain.InstanceBlock{
			ID:            uuid.NewString(),
			BlockedDomain: "Evil.Example",
			Level:         domain.BlockSuspend,
			Reason:        "spam",
			CreatedBy:     "admin",
			CreatedAt:     time.UnixMilli(1700000000000).UTC(),
			Active:        true,
			Federate:      true,
		}
		require.NoError(t, s.SaveInstanceBlock(ctx, b))

		got, err := s.GetInstanceBlock(ctx, "evil.example")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "evil.example", got.BlockedDomain)
		assert.Equal(t, domain.BlockSuspend, got.Level)
		assert.True(t, got.Federate)

		// same domain upserts in place
		b.Active = false
		require.NoError(t, s.SaveInstanceBlock(ctx, b))
		list, err := s.ListInstanceBlocks(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.False(t, list[0].Active)
	})
}

func TestPolicies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		base := time.UnixMilli(1700000000000).UTC()
		first := &domain.ContentPolicy{
			ID:            "p1",
			Name:          "spam",
			DefaultAction: domain.ActionAllow,
			Enabled:       true,
			CreatedAt:     base,
			UpdatedAt:     base,
			Rules: []domain.ContentPolicyRule{
				{ID: "r1", Type: domain.RuleKeyword, Pattern: "casino", TargetFields: []string{"name"}, Action: domain.ActionReject, Priority: 5, Enabled: true},
			},
		}
		second := &domain.ContentPolicy{ID: "p2", Name: "review", DefaultAction: domain.ActionReview, CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second)}
		require.NoError(t, s.SavePolicy(ctx, first))
		require.NoError(t, s.SavePolicy(ctx, second))

		list, err := s.ListPolicies(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p1", list[0].ID)
		assert.Equal(t, []string{"name"}, list[0].Rules[0].TargetFields)
		assert.NotNil(t, list[1].Rules)

		require.NoError(t, s.DeletePolicy(ctx, "p1"))
		got, err := s.GetPolicy(ctx, "p1")
		require.NoError(t, err)
		assert.Nil(t, got)
		got, err = s.GetPolicy(ctx, "p2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Enabled)
	})
}

func TestBuckets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		got, err := s.GetBucket(ctx, "https://remote.example/actor")
		require.NoError(t, err)
		assert.Nil(t, got)

		b := &domain.RateLimitBucket{
			ActorID:    "https://remote.example/actor",
			Tokens:     2.5,
			MaxTokens:  3,
			LastRefill: time.UnixMilli(1700000000000).UTC(),
			RefillRate: 1,
		}
		require.NoError(t, s.SaveBucket(ctx, b))
		b.Tokens = 1.5
		require.NoError(t, s.SaveBucket(ctx, b))

		got, err = s.GetBucket(ctx, b.ActorID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.InDelta(t, 1.5, got.Tokens, 1e-9)
		assert.True(t, b.LastRefill.Equal(got.LastRefill))

		require.NoError(t, s.DeleteBucket(ctx, b.ActorID))
		got, err = s.GetBucket(ctx, b.ActorID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	state := testState()
	require.NoError(t, s.SaveSyncState(ctx, state))

	state.PlatformIDs["extra"] = "x"
	got, err := s.GetSyncState(ctx, state.FederatedID)
	require.NoError(t, err)
	_, ok := got.PlatformIDs["extra"]
	assert.False(t, ok)

	got.PlatformIDs["mutated"] = "y"
	again, err := s.GetSyncState(ctx, state.FederatedID)
	require.NoError(t, err)
	_, ok = again.PlatformIDs["mutated"]
	assert.False(t, ok)
}
