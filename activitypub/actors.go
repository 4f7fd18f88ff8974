package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/cardfed/util"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	ActivityJSONType = "application/activity+json"

	actorCacheSize = 4096
	actorCacheTTL  = 24 * time.Hour
	maxActorBytes  = 1 << 20
)

// Actor is an ActivityPub actor document, both as served for this instance
// and as fetched from remote ones.
type Actor struct {
	Context           interface{}     `json:"@context,omitempty"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername,omitempty"`
	Name              string          `json:"name,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Endpoints         *ActorEndpoints `json:"endpoints,omitempty"`
	PublicKey         ActorPublicKey  `json:"publicKey"`
}

type ActorEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type ActorPublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorFetcher retrieves remote actor documents and caches them for a day.
type ActorFetcher struct {
	client    *http.Client
	cache     *expirable.LRU[string, *Actor]
	userAgent string

	signKey   *rsa.PrivateKey
	signKeyID string
}

func NewActorFetcher(client *http.Client) *ActorFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ActorFetcher{
		client:    client,
		cache:     expirable.NewLRU[string, *Actor](actorCacheSize, nil, actorCacheTTL),
		userAgent: util.GetNameAndVersion() + " ActivityPub",
	}
}

// WithSigningKey makes every fetch a signed GET, for servers that require
// authorized fetch.
func (f *ActorFetcher) WithSigningKey(key *rsa.PrivateKey, keyID string) *ActorFetcher {
	f.signKey = key
	f.signKeyID = keyID
	return f
}

// FetchActor returns the cached document or fetches a fresh one.
func (f *ActorFetcher) FetchActor(ctx context.Context, actorURI string) (*Actor, error) {
	if actor, ok := f.cache.Get(actorURI); ok {
		actorFetches.WithLabelValues("hit").Inc()
		return actor, nil
	}

	actor, err := f.fetch(ctx, actorURI)
	if err != nil {
		actorFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	actorFetches.WithLabelValues("miss").Inc()
	f.cache.Add(actorURI, actor)
	return actor, nil
}

// Invalidate drops a cached actor, e.g. after its key was rotated.
func (f *ActorFetcher) Invalidate(actorURI string) {
	f.cache.Remove(actorURI)
}

func (f *ActorFetcher) fetch(ctx context.Context, actorURI string) (*Actor, error) {
	u, err := url.Parse(actorURI)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("invalid actor URI: %s", actorURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ActivityJSONType)
	req.Header.Set("User-Agent", f.userAgent)

	if f.signKey != nil {
		if err := SignRequest(req, f.signKey, f.signKeyID, nil); err != nil {
			return nil, fmt.Errorf("failed to sign actor request: %w", err)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	zap.S().Debugf("Fetched actor %s (key %s)", actor.ID, actor.PublicKey.ID)
	return &actor, nil
}

// NewInstanceActor builds the actor document this instance serves.
func NewInstanceActor(baseURL, name, publicKeyPem string) *Actor {
	id := strings.TrimSuffix(baseURL, "/") + "/actor"
	return &Actor{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                id,
		Type:              "Application",
		PreferredUsername: name,
		Name:              name,
		Summary:           "Character card federation endpoint",
		Inbox:             strings.TrimSuffix(baseURL, "/") + "/inbox",
		Outbox:            id + "/outbox",
		Endpoints:         &ActorEndpoints{SharedInbox: strings.TrimSuffix(baseURL, "/") + "/inbox"},
		PublicKey: ActorPublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: publicKeyPem,
		},
	}
}
