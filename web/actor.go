package web

import "github.com/deemkeen/cardfed/activitypub"

// OrderedCollection is the minimal ActivityStreams collection served for the
// instance actor's outbox. Cards are delivered by the sync engine, not
// through an outbox, so it is always empty.
type OrderedCollection struct {
	Context      string        `json:"@context"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems"`
}

func GetOutbox(actor *activitypub.Actor) OrderedCollection {
	return OrderedCollection{
		Context:      activitypub.ActivityStreamsContext,
		ID:           actor.Outbox,
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	}
}
