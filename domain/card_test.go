package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCard() *Card {
	return &Card{
		Spec:        CardSpecV2,
		SpecVersion: "2.0",
		Data: CardData{
			Name:               "Lyra",
			Description:        "A navigator",
			Personality:        "curious",
			Scenario:           "aboard the Aurora",
			FirstMes:           "Hello, traveller.",
			Tags:               []string{"scifi", "space"},
			Creator:            "alice",
			AlternateGreetings: []string{"Hi", "Welcome"},
		},
	}
}

func TestParseCard(t *testing.T) {
	raw, err := sampleCard().Marshal()
	require.NoError(t, err)

	card, err := ParseCard(raw)
	require.NoError(t, err)
	assert.Equal(t, sampleCard(), card)
}

func TestCardKeepsUnmodelledData(t *testing.T) {
	raw := `{"spec":"chara_card_v3","spec_version":"3.0","data":{"name":"Lyra","description":"d",` +
		`"personality":"p","scenario":"s","first_mes":"hi","mes_example":"",` +
		`"character_book":{"name":"Aurora lore","entries":[{"keys":["ship"],"content":"The Aurora is old.","enabled":true}]},` +
		`"nickname":"Ly","assets":[{"type":"icon","uri":"ccdefault:"}]}}`

	card, err := ParseCard([]byte(raw))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Aurora lore","entries":[{"keys":["ship"],"content":"The Aurora is old.","enabled":true}]}`, string(card.Data.CharacterBook))
	require.Contains(t, card.Data.Extra, "nickname")
	require.Contains(t, card.Data.Extra, "assets")
	assert.NotContains(t, card.Data.Extra, "name")

	out, err := card.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	again, err := ParseCard(out)
	require.NoError(t, err)
	h1, err := card.VersionHash()
	require.NoError(t, err)
	h2, err := again.VersionHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCardExtraDoesNotShadowFields(t *testing.T) {
	card := sampleCard()
	card.Data.Extra = map[string]json.RawMessage{"name": json.RawMessage(`"Impostor"`), "nickname": json.RawMessage(`"Ly"`)}

	out, err := card.Marshal()
	require.NoError(t, err)
	parsed, err := ParseCard(out)
	require.NoError(t, err)
	assert.Equal(t, "Lyra", parsed.Data.Name)
	assert.JSONEq(t, `"Ly"`, string(parsed.Data.Extra["nickname"]))
}

func TestParseCardRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"data":`},
		{"missing name", `{"spec":"chara_card_v2","data":{"description":"x"}}`},
		{"blank name", `{"data":{"name":"   "}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCard([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestVersionHash(t *testing.T) {
	a, err := sampleCard().VersionHash()
	require.NoError(t, err)
	b, err := sampleCard().VersionHash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	changed := sampleCard()
	changed.Data.Description = "A pilot"
	c, err := changed.VersionHash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestField(t *testing.T) {
	card := sampleCard()
	tests := map[string]string{
		"name":                "Lyra",
		"Description":         "A navigator",
		"personality":         "curious",
		"scenario":            "aboard the Aurora",
		"first_mes":           "Hello, traveller.",
		"firstMes":            "Hello, traveller.",
		"creator":             "alice",
		"tags":                "scifi space",
		"alternate_greetings": "Hi\nWelcome",
		"unknown":             "",
	}
	for field, want := range tests {
		assert.Equal(t, want, card.Field(field), field)
	}
}
