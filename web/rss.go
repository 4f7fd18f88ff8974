package web

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deemkeen/cardfed/cardsync"
	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

// GetRSS lists every tracked card that some platform still holds, newest
// sync first.
func GetRSS(ctx context.Context, engine *cardsync.Engine, fed *util.Federation) (string, error) {
	states, err := engine.ListSyncStates(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list synced cards: %w", err)
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Cards on %s", fed.Domain),
		Link:        &feeds.Link{Href: fed.BaseURL() + "/feed"},
		Description: "character cards synced by " + util.Name,
		Author:      &feeds.Author{Name: fed.Domain},
		Created:     time.Now(),
	}

	for _, state := range states {
		card, err := engine.GetFederatedCard(ctx, state.FederatedID)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		title := card.Name
		if title == "" {
			title = state.FederatedID
		}
		updated := lastSynced(state)
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          state.FederatedID,
			Title:       title,
			Link:        &feeds.Link{Href: state.FederatedID},
			Description: fmt.Sprintf("Synced to %d platform(s), %d fork(s)", len(state.PlatformIDs), state.ForksCount),
			Content:     card.Content,
			Created:     updated,
			Updated:     updated,
		})
	}
	sort.SliceStable(feed.Items, func(i, j int) bool {
		return feed.Items[i].Created.After(feed.Items[j].Created)
	})

	zap.S().Debugf("Feed: %d of %d cards rendered", len(feed.Items), len(states))
	return feed.ToRss()
}

func lastSynced(state *domain.CardSyncState) time.Time {
	var latest time.Time
	for _, t := range state.LastSync {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
