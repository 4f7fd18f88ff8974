package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	CardSpecV2 = "chara_card_v2"
	CardSpecV3 = "chara_card_v3"
)

// Card is the normalized character card document exchanged between platforms.
type Card struct {
	Spec        string   `json:"spec"`
	SpecVersion string   `json:"spec_version"`
	Data        CardData `json:"data"`
}

type CardData struct {
	Name                    string         `json:"name"`
	Description             string         `json:"description"`
	Personality             string         `json:"personality"`
	Scenario                string         `json:"scenario"`
	FirstMes                string         `json:"first_mes"`
	MesExample              string         `json:"mes_example"`
	CreatorNotes            string         `json:"creator_notes,omitempty"`
	SystemPrompt            string         `json:"system_prompt,omitempty"`
	PostHistoryInstructions string         `json:"post_history_instructions,omitempty"`
	AlternateGreetings      []string       `json:"alternate_greetings,omitempty"`
	Tags                    []string       `json:"tags,omitempty"`
	Creator                 string         `json:"creator,omitempty"`
	CharacterVersion        string         `json:"character_version,omitempty"`
	Extensions              map[string]any `json:"extensions,omitempty"`
	CharacterBook           json.RawMessage `json:"character_book,omitempty"`

	// Extra holds data keys this struct does not model (V3 assets,
	// nicknames, ...). They are written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// cardDataFields has CardData's layout without its JSON methods.
type cardDataFields CardData

var knownCardDataKeys = []string{
	"name", "description", "personality", "scenario", "first_mes", "mes_example",
	"creator_notes", "system_prompt", "post_history_instructions", "alternate_greetings",
	"tags", "creator", "character_version", "extensions", "character_book",
}

func (d *CardData) UnmarshalJSON(raw []byte) error {
	var fields cardDataFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for _, k := range knownCardDataKeys {
		delete(all, k)
	}
	*d = CardData(fields)
	if len(all) > 0 {
		d.Extra = all
	}
	return nil
}

func (d CardData) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(cardDataFields(d))
	if err != nil || len(d.Extra) == 0 {
		return raw, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ParseCard decodes serialized card JSON. A card without a name is rejected.
func ParseCard(raw []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, &ValidationError{Msg: "invalid card JSON", Err: err}
	}
	if strings.TrimSpace(card.Data.Name) == "" {
		return nil, NewValidationError("card is missing data.name")
	}
	return &card, nil
}

// Marshal returns the canonical serialized form of the card.
func (c *Card) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// VersionHash is the hex SHA-256 of the canonical serialization.
func (c *Card) VersionHash() (string, error) {
	raw, err := c.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Field returns the named text field used by content policy matching.
func (c *Card) Field(name string) string {
	switch strings.ToLower(name) {
	case "name":
		return c.Data.Name
	case "description":
		return c.Data.Description
	case "personality":
		return c.Data.Personality
	case "scenario":
		return c.Data.Scenario
	case "first_mes", "firstmes":
		return c.Data.FirstMes
	case "mes_example", "mesexample":
		return c.Data.MesExample
	case "creator_notes", "creatornotes":
		return c.Data.CreatorNotes
	case "system_prompt", "systemprompt":
		return c.Data.SystemPrompt
	case "creator":
		return c.Data.Creator
	case "tags":
		return strings.Join(c.Data.Tags, " ")
	case "alternate_greetings":
		return strings.Join(c.Data.AlternateGreetings, "\n")
	}
	return ""
}
