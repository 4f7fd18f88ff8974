package web

import (
	"encoding/json"
	"testing"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/util"
)

func TestGetWebFingerNotFound(t *testing.T) {
	result := GetWebFingerNotFound()
	expected := `{"detail":"Not Found"}`

	if result != expected {
		t.Errorf("Expected %s, got %s", expected, result)
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal([]byte(result), &jsonMap); err != nil {
		t.Error("Result should be valid JSON")
	}
}

func TestGetWebfinger(t *testing.T) {
	fed := testFederation(t)
	actor := activitypub.NewInstanceActor(fed.BaseURL(), "instance", "PEM")

	tests := []struct {
		name     string
		resource string
		found    bool
	}{
		{"acct", "acct:instance@cards.example", true},
		{"acct case insensitive", "acct:Instance@Cards.Example", true},
		{"actor uri", "https://cards.example/actor", true},
		{"actor uri trailing slash", "https://cards.example/actor/", true},
		{"unknown user", "acct:alice@cards.example", false},
		{"other domain", "acct:instance@other.example", false},
		{"no domain", "acct:instance", false},
		{"other uri", "https://cards.example/users/instance", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := GetWebfinger(tt.resource, fed, actor)
			if ok != tt.found {
				t.Fatalf("Expected found=%v for %q, got %v", tt.found, tt.resource, ok)
			}
			if !ok {
				return
			}
			if resp.Subject != "acct:instance@cards.example" {
				t.Errorf("Expected subject acct:instance@cards.example, got %s", resp.Subject)
			}
			if len(resp.Aliases) != 1 || resp.Aliases[0] != actor.ID {
				t.Errorf("Expected alias %s, got %v", actor.ID, resp.Aliases)
			}
			if len(resp.Links) != 1 {
				t.Fatalf("Expected 1 link, got %d", len(resp.Links))
			}
			link := resp.Links[0]
			if link.Rel != "self" || link.Type != "application/activity+json" || link.Href != actor.ID {
				t.Errorf("Unexpected self link: %+v", link)
			}
		})
	}
}

func TestGetWebfingerRequiresFederation(t *testing.T) {
	actor := activitypub.NewInstanceActor("https://cards.example", "instance", "PEM")
	if _, ok := GetWebfinger("acct:instance@cards.example", nil, actor); ok {
		t.Error("WebFinger should not resolve without federation")
	}
}

func TestWebFingerResponseUnmarshal(t *testing.T) {
	jsonData := `{
		"subject": "acct:instance@cards.example",
		"aliases": ["https://cards.example/actor"],
		"links": [
			{
				"rel": "self",
				"type": "application/activity+json",
				"href": "https://cards.example/actor"
			}
		]
	}`

	var wfr WebFingerResponse
	if err := json.Unmarshal([]byte(jsonData), &wfr); err != nil {
		t.Fatalf("Failed to unmarshal WebFinger response: %v", err)
	}
	if wfr.Subject != "acct:instance@cards.example" {
		t.Errorf("Expected subject 'acct:instance@cards.example', got '%s'", wfr.Subject)
	}
	if len(wfr.Links) != 1 || wfr.Links[0].Href != "https://cards.example/actor" {
		t.Errorf("Unexpected links: %+v", wfr.Links)
	}
}

func TestGetNodeInfo(t *testing.T) {
	conf := testConf()

	tests := []struct {
		version    string
		ok         bool
		repository bool
	}{
		{"2.0", true, false},
		{"2.1", true, true},
		{"1.0", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			info, ok := GetNodeInfo(tt.version, conf, 3)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if info.Software.Name != util.Name {
				t.Errorf("Expected software %s, got %s", util.Name, info.Software.Name)
			}
			if (info.Software.Repository != "") != tt.repository {
				t.Errorf("Unexpected repository %q for %s", info.Software.Repository, tt.version)
			}
			if info.Usage.LocalPosts != 3 || info.Usage.Users.Total != 1 {
				t.Errorf("Unexpected usage: %+v", info.Usage)
			}
			if info.OpenRegistrations {
				t.Error("Registrations should be closed")
			}
		})
	}
}

func TestGetNodeInfoDiscovery(t *testing.T) {
	d := GetNodeInfoDiscovery(testFederation(t))
	if len(d.Links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(d.Links))
	}
	if d.Links[1].Rel != "http://nodeinfo.diaspora.software/ns/schema/2.1" {
		t.Errorf("Unexpected rel %s", d.Links[1].Rel)
	}
	if d.Links[1].Href != "https://cards.example/nodeinfo/2.1" {
		t.Errorf("Unexpected href %s", d.Links[1].Href)
	}
}
