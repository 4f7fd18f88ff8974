package moderation

import (
	"context"
	"fmt"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/domain"
	"go.uber.org/zap"
)

const CategoryPolicy = "policy"

// Screener runs cards arriving in Create and Update activities through the
// content policies. Rejected cards fail the delivery; review and quarantine
// file a report against the card in the name of the instance actor.
type Screener struct {
	policies *PolicyEngine
	service  *Service
	reporter string
}

func NewScreener(policies *PolicyEngine, service *Service, reporterActorID string) *Screener {
	return &Screener{policies: policies, service: service, reporter: reporterActorID}
}

func (s *Screener) ScreenCard(ctx context.Context, obj *activitypub.FederatedCard, actorID, activityID string) (PolicyResult, error) {
	card, err := activitypub.CardFromActivityPub(obj)
	if err != nil {
		if domain.IsValidation(err) {
			return PolicyResult{}, err
		}
		return PolicyResult{}, &domain.ValidationError{Msg: "unreadable card", Err: err}
	}

	res, err := s.policies.EvaluateCard(ctx, card, hostOf(actorID))
	if err != nil {
		return PolicyResult{}, err
	}

	switch res.Action {
	case domain.ActionReject:
		zap.S().Infof("Policy: rejected card %s from %s", obj.ID, actorID)
		return res, domain.NewValidationError("card %s rejected by content policy", obj.ID)
	case domain.ActionReview, domain.ActionQuarantine:
		rules := make([]string, 0, len(res.MatchedRules))
		for _, m := range res.MatchedRules {
			rules = append(rules, m.Rule.ID)
		}
		_, err := s.service.CreateReport(ctx, ReportInput{
			ReporterActorID: s.reporter,
			TargetIDs:       []string{obj.ID},
			Category:        CategoryPolicy,
			Description:     fmt.Sprintf("Card from %s flagged for %s by content policy", actorID, res.Action),
			ActivityID:      activityID,
			Metadata:        map[string]any{"source": CategoryPolicy, "action": string(res.Action), "rules": rules},
		})
		if err != nil {
			return res, fmt.Errorf("failed to file policy report: %w", err)
		}
	case domain.ActionWarn:
		zap.S().Warnf("Policy: card %s from %s matched a warning rule", obj.ID, actorID)
	}
	return res, nil
}

func (s *Screener) OnCreate(ctx context.Context, a *activitypub.CreateActivity) error {
	_, err := s.ScreenCard(ctx, a.Object, a.ActorID(), a.ID)
	return err
}

func (s *Screener) OnUpdate(ctx context.Context, a *activitypub.UpdateActivity) error {
	_, err := s.ScreenCard(ctx, a.Object, a.ActorID(), a.ID)
	return err
}
