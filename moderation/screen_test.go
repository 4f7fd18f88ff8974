package moderation

import (
	"context"
	"testing"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/db"
	"github.com/deemkeen/cardfed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instanceActor = "https://cards.example/actor"

func newTestScreener(t *testing.T, action domain.PolicyAction) (*Screener, *Service) {
	t.Helper()
	fed := testFederation(t)
	store := db.NewMemoryStore()
	savePolicy(t, store, &domain.ContentPolicy{
		Name:          "casinos",
		DefaultAction: domain.ActionAllow,
		Rules: []domain.ContentPolicyRule{
			{ID: "casino", Type: domain.RuleKeyword, Pattern: "casino", Action: action, Enabled: true},
		},
	})
	svc := NewService(fed, store)
	return NewScreener(NewPolicyEngine(fed, store), svc, instanceActor), svc
}

func federatedCard(t *testing.T, card *domain.Card) *activitypub.FederatedCard {
	t.Helper()
	obj, err := activitypub.CardToActivityPub(card, activitypub.CardOptions{
		ID:      "https://remote.example/cards/1",
		ActorID: "https://remote.example/actor",
	})
	require.NoError(t, err)
	return obj
}

func TestScreenCardReject(t *testing.T) {
	s, svc := newTestScreener(t, domain.ActionReject)

	res, err := s.ScreenCard(context.Background(), federatedCard(t, testCard()), "https://remote.example/actor", "https://remote.example/activities/1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, domain.ActionReject, res.Action)

	reports, err := svc.ListReports(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestScreenCardReviewFilesReport(t *testing.T) {
	for _, action := range []domain.PolicyAction{domain.ActionReview, domain.ActionQuarantine} {
		t.Run(string(action), func(t *testing.T) {
			s, svc := newTestScreener(t, action)

			create := &activitypub.CreateActivity{Object: federatedCard(t, testCard())}
			create.ID = "https://remote.example/activities/1"
			create.Actor = "https://remote.example/actor"
			require.NoError(t, s.OnCreate(context.Background(), create))

			reports, err := svc.ListReports(context.Background(), domain.ReportStatusPending)
			require.NoError(t, err)
			require.Len(t, reports, 1)
			r := reports[0]
			assert.Equal(t, instanceActor, r.ReporterActorID)
			assert.Equal(t, "cards.example", r.ReporterInstance)
			assert.Equal(t, []string{"https://remote.example/cards/1"}, r.TargetIDs)
			assert.Equal(t, CategoryPolicy, r.Category)
			assert.Equal(t, create.ID, r.ActivityID)
			assert.Equal(t, string(action), r.Metadata["action"])
		})
	}
}

func TestScreenCardAllow(t *testing.T) {
	s, svc := newTestScreener(t, domain.ActionReject)
	card := testCard()
	card.Data.Description = "A starship captain."

	update := &activitypub.UpdateActivity{Object: federatedCard(t, card)}
	update.Actor = "https://remote.example/actor"
	require.NoError(t, s.OnUpdate(context.Background(), update))

	reports, err := svc.ListReports(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestScreenCardUnreadable(t *testing.T) {
	s, _ := newTestScreener(t, domain.ActionReject)

	_, err := s.ScreenCard(context.Background(), nil, "https://remote.example/actor", "")
	assert.True(t, domain.IsValidation(err))

	_, err = s.ScreenCard(context.Background(), &activitypub.FederatedCard{ID: "x", Content: "{not json"}, "https://remote.example/actor", "")
	assert.True(t, domain.IsValidation(err))
}
