package web

import (
	"strings"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/util"
)

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebFingerLink `json:"links"`
}

// GetWebfinger resolves acct:name@domain or the bare actor URI to the
// instance actor. Anything else is not found.
func GetWebfinger(resource string, fed *util.Federation, actor *activitypub.Actor) (*WebFingerResponse, bool) {
	if fed.Check() != nil || actor == nil {
		return nil, false
	}
	resource = strings.TrimSpace(resource)
	subject := "acct:" + actor.PreferredUsername + "@" + fed.Domain

	switch {
	case strings.HasPrefix(resource, "acct:"):
		name, host, ok := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
		if !ok || !strings.EqualFold(name, actor.PreferredUsername) || !strings.EqualFold(host, fed.Domain) {
			return nil, false
		}
	case trimSlash(resource) == actor.ID:
	default:
		return nil, false
	}

	return &WebFingerResponse{
		Subject: subject,
		Aliases: []string{actor.ID},
		Links: []WebFingerLink{{
			Rel:  "self",
			Type: "application/activity+json",
			Href: actor.ID,
		}},
	}, true
}

func trimSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
