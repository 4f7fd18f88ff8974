package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/db"
	"github.com/deemkeen/cardfed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	return NewService(testFederation(t), store), store
}

func TestCreateReport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r, err := svc.CreateReport(ctx, ReportInput{
		ReporterActorID: "https://remote.example/users/alice",
		TargetIDs:       []string{"https://cards.example/cards/1"},
		Description:     "stolen card",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusPending, r.Status)
	assert.Equal(t, "remote.example", r.ReporterInstance)
	assert.Equal(t, "cards.example", r.ReceivingInstance)
	assert.Equal(t, CategoryOther, r.Category)

	got, err := svc.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TargetIDs, got.TargetIDs)

	_, err = svc.CreateReport(ctx, ReportInput{ReporterActorID: "https://remote.example/users/alice"})
	assert.True(t, domain.IsValidation(err))
	_, err = svc.CreateReport(ctx, ReportInput{TargetIDs: []string{"x"}})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.GetReport(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestUpdateReportStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	r, err := svc.CreateReport(ctx, ReportInput{ReporterActorID: "https://remote.example/users/alice", TargetIDs: []string{"t"}})
	require.NoError(t, err)

	_, err = svc.UpdateReportStatus(ctx, r.ID, "investigating")
	require.NoError(t, err)
	list, err := svc.ListReports(ctx, "investigating")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = svc.UpdateReportStatus(ctx, r.ID, " ")
	assert.True(t, domain.IsValidation(err))
	_, err = svc.UpdateReportStatus(ctx, "missing", "resolved")
	assert.True(t, domain.IsNotFound(err))
}

func TestTakeActionResolvesReport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	r, err := svc.CreateReport(ctx, ReportInput{ReporterActorID: "https://remote.example/users/alice", TargetIDs: []string{"card-1"}})
	require.NoError(t, err)

	a, err := svc.TakeAction(ctx, ActionInput{
		ReportID:         r.ID,
		ModeratorActorID: "https://cards.example/actor",
		TargetID:         "card-1",
		ActionType:       "hide",
		Reason:           "confirmed",
	})
	require.NoError(t, err)
	assert.True(t, a.Active)

	got, err := svc.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusResolved, got.Status)

	_, err = svc.TakeAction(ctx, ActionInput{ReportID: "missing", ModeratorActorID: "m", TargetID: "t", ActionType: "hide"})
	assert.True(t, domain.IsNotFound(err))

	past := time.Now().Add(-time.Hour)
	_, err = svc.TakeAction(ctx, ActionInput{ModeratorActorID: "m", TargetID: "t", ActionType: "hide", ExpiresAt: &past})
	assert.True(t, domain.IsValidation(err))
}

func TestReverseAction(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, err := svc.TakeAction(ctx, ActionInput{ModeratorActorID: "mod", TargetID: "card-1", ActionType: "hide"})
	require.NoError(t, err)

	active, err := svc.ActiveActions(ctx, "card-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	rev, err := svc.ReverseAction(ctx, a.ID, "mod2", "appeal granted")
	require.NoError(t, err)
	assert.Equal(t, a.ID, rev.ReversesActionID)
	assert.Equal(t, ActionTypeReverse, rev.ActionType)

	all, err := svc.ListActions(ctx, "card-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err = svc.ActiveActions(ctx, "card-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = svc.ReverseAction(ctx, a.ID, "mod2", "again")
	assert.True(t, domain.IsValidation(err))
	_, err = svc.ReverseAction(ctx, "missing", "mod2", "")
	assert.True(t, domain.IsNotFound(err))
}

func TestExpiredActionsAreInactive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	expires := start.Add(time.Hour)
	_, err := svc.TakeAction(ctx, ActionInput{ModeratorActorID: "mod", TargetID: "card-1", ActionType: "silence", ExpiresAt: &expires})
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	active, err := svc.ActiveActions(ctx, "card-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInstanceBlocks(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.BlockInstance(ctx, BlockInput{Domain: "Evil.Example", Reason: "spam", CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = svc.BlockInstance(ctx, BlockInput{Domain: "quiet.example", Level: domain.BlockSilence})
	require.NoError(t, err)

	tests := []struct {
		host    string
		blocked bool
	}{
		{"evil.example", true},
		{"EVIL.example", true},
		{"sub.evil.example", true},
		{"deep.sub.evil.example", true},
		{"notevil.example", false},
		{"quiet.example", false},
		{"example", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := svc.IsInstanceBlocked(ctx, tt.host)
		require.NoError(t, err)
		assert.Equal(t, tt.blocked, got, tt.host)
	}

	require.NoError(t, svc.UnblockInstance(ctx, "evil.example"))
	blocked, err := svc.IsInstanceBlocked(ctx, "evil.example")
	require.NoError(t, err)
	assert.False(t, blocked)

	blocks, err := svc.ListInstanceBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	err = svc.UnblockInstance(ctx, "never.example")
	assert.True(t, domain.IsNotFound(err))
}

func TestBlockInstanceValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	for _, in := range []BlockInput{
		{Domain: ""},
		{Domain: "not a domain"},
		{Domain: "localhost"},
		{Domain: "cards.example"},
		{Domain: "ok.example", Level: "obliterate"},
	} {
		_, err := svc.BlockInstance(ctx, in)
		assert.True(t, domain.IsValidation(err), "%+v", in)
	}
}

func TestReblockKeepsID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	first, err := svc.BlockInstance(ctx, BlockInput{Domain: "evil.example"})
	require.NoError(t, err)
	require.NoError(t, svc.UnblockInstance(ctx, "evil.example"))

	second, err := svc.BlockInstance(ctx, BlockInput{Domain: "evil.example", Level: domain.BlockSuspend})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Active)
}

func TestPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	p, err := svc.CreatePolicy(ctx, &domain.ContentPolicy{
		Name:    "spam",
		Enabled: true,
		Rules: []domain.ContentPolicyRule{
			{Type: domain.RuleKeyword, Pattern: "casino", Action: domain.ActionReject, Enabled: true},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.Rules[0].ID)
	assert.Equal(t, domain.ActionAllow, p.DefaultAction)

	p.Name = "spam v2"
	updated, err := svc.UpdatePolicy(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "spam v2", updated.Name)
	assert.True(t, p.CreatedAt.Equal(updated.CreatedAt))

	list, err := svc.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeletePolicy(ctx, p.ID))
	_, err = svc.GetPolicy(ctx, p.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(svc.DeletePolicy(ctx, p.ID)))
}

func TestValidatePolicy(t *testing.T) {
	valid := func() *domain.ContentPolicy {
		return &domain.ContentPolicy{
			Name:          "p",
			DefaultAction: domain.ActionAllow,
			Rules:         []domain.ContentPolicyRule{{ID: "r", Type: domain.RuleRegex, Pattern: "^a", Action: domain.ActionWarn}},
		}
	}
	require.NoError(t, ValidatePolicy(valid()))

	tests := map[string]func(p *domain.ContentPolicy){
		"no name":        func(p *domain.ContentPolicy) { p.Name = "" },
		"default action": func(p *domain.ContentPolicy) { p.DefaultAction = "delete" },
		"rule type":      func(p *domain.ContentPolicy) { p.Rules[0].Type = "vibes" },
		"rule action":    func(p *domain.ContentPolicy) { p.Rules[0].Action = "" },
		"empty pattern":  func(p *domain.ContentPolicy) { p.Rules[0].Pattern = "" },
		"bad regex":      func(p *domain.ContentPolicy) { p.Rules[0].Pattern = "(" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := valid()
			mutate(p)
			assert.True(t, domain.IsValidation(ValidatePolicy(p)))
		})
	}
}

func TestHandleFlag(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	flag := activitypub.NewFlagActivity(
		"https://remote.example/flags/1",
		"https://remote.example/users/alice",
		[]string{"https://cards.example/cards/1"},
		"spam",
		"this card is spam",
	)
	require.NoError(t, svc.HandleFlag(ctx, flag))

	reports, err := svc.ListReports(ctx, domain.ReportStatusPending)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "remote.example", r.ReporterInstance)
	assert.Equal(t, "https://remote.example/flags/1", r.ActivityID)
	assert.Equal(t, "spam", r.Category)
	assert.Equal(t, "this card is spam", r.Description)
	assert.Equal(t, "federation", r.Metadata["source"])

	bad := activitypub.NewFlagActivity("https://remote.example/flags/2", "https://remote.example/users/alice", nil, "", "")
	assert.True(t, domain.IsValidation(svc.HandleFlag(ctx, bad)))
}

func TestHandleBlock(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	block := activitypub.NewBlockActivity("https://remote.example/blocks/1", "https://remote.example/users/alice", "https://cards.example/actor")
	require.NoError(t, svc.HandleBlock(ctx, block))

	actions, err := svc.ListActions(ctx, "https://cards.example/actor")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTypeRemoteBlock, actions[0].ActionType)
	assert.Equal(t, "https://remote.example/users/alice", actions[0].ModeratorActorID)
}

func TestServiceRequiresFederation(t *testing.T) {
	svc := NewService(nil, db.NewMemoryStore())
	_, err := svc.CreateReport(context.Background(), ReportInput{ReporterActorID: "a", TargetIDs: []string{"t"}})
	assert.True(t, domain.IsConfig(err))
	_, err = svc.IsInstanceBlocked(context.Background(), "evil.example")
	assert.True(t, domain.IsConfig(err))
}
