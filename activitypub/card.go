package activitypub

import (
	"strings"

	"github.com/deemkeen/cardfed/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"

	// CardMediaType marks Note content that is a serialized character card.
	CardMediaType = "application/json"
)

// FederatedCard is the Note-shaped object that carries a card across instances.
type FederatedCard struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Name         string      `json:"name,omitempty"`
	MediaType    string      `json:"mediaType"`
	Content      string      `json:"content"`
	Source       *CardSource `json:"source,omitempty"`
	Tag          []Hashtag   `json:"tag"`
}

type CardSource struct {
	Platform string `json:"platform,omitempty"`
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Hashtag struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// CardOptions addresses a card for federation.
type CardOptions struct {
	ID             string
	ActorID        string
	SourcePlatform string
	SourceID       string
	SourceURL      string
}

// CardToActivityPub wraps card into a Note. The output only depends on its inputs.
func CardToActivityPub(card *domain.Card, opts CardOptions) (*FederatedCard, error) {
	content, err := card.Marshal()
	if err != nil {
		return nil, err
	}

	tags := make([]Hashtag, 0, len(card.Data.Tags))
	for _, t := range card.Data.Tags {
		tags = append(tags, Hashtag{Type: "Hashtag", Name: "#" + t})
	}

	obj := &FederatedCard{
		Context:      ActivityStreamsContext,
		ID:           opts.ID,
		Type:         "Note",
		AttributedTo: opts.ActorID,
		Name:         card.Data.Name,
		MediaType:    CardMediaType,
		Content:      string(content),
		Tag:          tags,
	}

	if opts.SourcePlatform != "" || opts.SourceID != "" || opts.SourceURL != "" {
		obj.Source = &CardSource{
			Platform: opts.SourcePlatform,
			ID:       opts.SourceID,
			URL:      opts.SourceURL,
		}
	}

	return obj, nil
}

// CardFromActivityPub parses the card carried in obj.Content.
func CardFromActivityPub(obj *FederatedCard) (*domain.Card, error) {
	if obj == nil {
		return nil, domain.NewValidationError("missing card object")
	}
	if strings.TrimSpace(obj.Content) == "" {
		return nil, domain.NewValidationError("card object %s has no content", obj.ID)
	}
	return domain.ParseCard([]byte(obj.Content))
}
