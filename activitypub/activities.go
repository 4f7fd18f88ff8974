package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/cardfed/domain"
)

const (
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeFork     = "Fork"
	TypeInstall  = "Install"
	TypeLike     = "Like"
	TypeAnnounce = "Announce"
	TypeUndo     = "Undo"
	TypeFlag     = "Flag"
	TypeBlock    = "Block"
)

// now is swapped in tests.
var now = time.Now

// Envelope holds the fields every activity shares.
type Envelope struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     ObjectRef   `json:"actor"`
	Published string      `json:"published,omitempty"`
	To        URIList     `json:"to,omitempty"`
	Cc        URIList     `json:"cc,omitempty"`
}

func (e *Envelope) Header() *Envelope { return e }

func (e *Envelope) isActivity() {}

// ActorID is the actor URI, whether it was sent as a string or an embedded object.
func (e *Envelope) ActorID() string { return string(e.Actor) }

// Typed is the closed set of activity variants produced by Decode.
type Typed interface {
	Header() *Envelope
	Validate() error
	isActivity()
}

type CreateActivity struct {
	Envelope
	Object *FederatedCard `json:"object"`
}

type UpdateActivity struct {
	Envelope
	Object *FederatedCard `json:"object"`
}

type DeleteActivity struct {
	Envelope
	Object ObjectRef `json:"object"`
}

// ForkActivity announces that Object (the source card URI) was forked into Result.
type ForkActivity struct {
	Envelope
	Object ObjectRef      `json:"object"`
	Result *FederatedCard `json:"result"`
}

type InstallActivity struct {
	Envelope
	Object ObjectRef      `json:"object"`
	Target *InstallTarget `json:"target,omitempty"`
}

// InstallTarget names the platform the card was installed on.
type InstallTarget struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type FlagActivity struct {
	Envelope
	Object   URIList `json:"object"`
	Content  string  `json:"content,omitempty"`
	Category string  `json:"category,omitempty"`
}

type BlockActivity struct {
	Envelope
	Object ObjectRef `json:"object"`
}

type LikeActivity struct {
	Envelope
	Object ObjectRef `json:"object"`
}

type AnnounceActivity struct {
	Envelope
	Object ObjectRef `json:"object"`
}

type UndoActivity struct {
	Envelope
	Object json.RawMessage `json:"object"`
}

// UnknownActivity keeps activities of types this instance does not handle.
type UnknownActivity struct {
	Envelope
	Raw json.RawMessage `json:"-"`
}

// ObjectRef is an object reference given either as a bare URI or as an
// embedded object with an id.
type ObjectRef string

func (r *ObjectRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = ObjectRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("object must be a URI or an object with an id")
	}
	*r = ObjectRef(obj.ID)
	return nil
}

func (r ObjectRef) String() string { return string(r) }

// URIList accepts a single URI or an array of URIs/objects.
type URIList []string

func (l *URIList) UnmarshalJSON(b []byte) error {
	var one ObjectRef
	if err := one.UnmarshalJSON(b); err == nil && !strings.HasPrefix(strings.TrimSpace(string(b)), "[") {
		if one != "" {
			*l = URIList{string(one)}
		}
		return nil
	}
	var many []ObjectRef
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected a URI or a list of URIs")
	}
	out := make(URIList, 0, len(many))
	for _, m := range many {
		out = append(out, string(m))
	}
	*l = out
	return nil
}

// Decode parses raw inbox JSON into its variant after checking the envelope.
// Type-specific fields are checked by Validate.
func Decode(data []byte) (Typed, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.ValidationError{Msg: "malformed activity JSON", Err: err}
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	var act Typed
	switch env.Type {
	case TypeCreate:
		act = &CreateActivity{}
	case TypeUpdate:
		act = &UpdateActivity{}
	case TypeDelete:
		act = &DeleteActivity{}
	case TypeFork:
		act = &ForkActivity{}
	case TypeInstall:
		act = &InstallActivity{}
	case TypeLike:
		act = &LikeActivity{}
	case TypeAnnounce:
		act = &AnnounceActivity{}
	case TypeUndo:
		act = &UndoActivity{}
	case TypeFlag:
		act = &FlagActivity{}
	case TypeBlock:
		act = &BlockActivity{}
	default:
		return &UnknownActivity{Envelope: env, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, act); err != nil {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("malformed %s activity", env.Type), Err: err}
	}
	return act, nil
}

func (e *Envelope) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return domain.NewValidationError("activity is missing id")
	}
	if strings.TrimSpace(e.Type) == "" {
		return domain.NewValidationError("activity is missing type")
	}
	if e.Actor == "" {
		return domain.NewValidationError("activity is missing actor")
	}
	if !isAbsoluteURI(e.ActorID()) {
		return domain.NewValidationError("activity actor is not a valid URI: %q", e.Actor)
	}
	return nil
}

func (a *CreateActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	return validateCardObject("object", a.Object)
}

func (a *UpdateActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	return validateCardObject("object", a.Object)
}

func (a *DeleteActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Delete requires object")
	}
	return nil
}

func (a *ForkActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Fork requires object (the source card)")
	}
	if a.Result == nil {
		return domain.NewValidationError("Fork requires result (the forked card)")
	}
	if err := validateCardObject("result", a.Result); err != nil {
		return err
	}
	if !json.Valid([]byte(a.Result.Content)) {
		return domain.NewValidationError("Fork result content is not valid JSON")
	}
	return nil
}

func (a *InstallActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Install requires object")
	}
	if !isAbsoluteURI(string(a.Object)) {
		return domain.NewValidationError("Install object is not a valid URI: %q", a.Object)
	}
	return nil
}

// Platform is the target application name, falling back to the actor's host.
func (a *InstallActivity) Platform() domain.PlatformID {
	if a.Target != nil && a.Target.Name != "" {
		return domain.PlatformID(a.Target.Name)
	}
	return domain.PlatformID(hostOf(a.ActorID()))
}

func (a *FlagActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if len(a.Object) == 0 {
		return domain.NewValidationError("Flag requires at least one object")
	}
	for _, o := range a.Object {
		if strings.TrimSpace(o) == "" {
			return domain.NewValidationError("Flag object contains an empty reference")
		}
	}
	return nil
}

func (a *BlockActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Block requires object")
	}
	return nil
}

func (a *LikeActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Like requires object")
	}
	return nil
}

func (a *AnnounceActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if a.Object == "" {
		return domain.NewValidationError("Announce requires object")
	}
	return nil
}

func (a *UndoActivity) Validate() error {
	if err := a.Envelope.validate(); err != nil {
		return err
	}
	if len(a.Object) == 0 || string(a.Object) == "null" {
		return domain.NewValidationError("Undo requires object")
	}
	return nil
}

// Undone returns the type and id of the activity being undone. The type is
// empty when the object is only referenced by URI.
func (a *UndoActivity) Undone() (string, string) {
	var obj struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.Type, obj.ID
	}
	var id string
	_ = json.Unmarshal(a.Object, &id)
	return "", id
}

func (a *UnknownActivity) Validate() error {
	return a.Envelope.validate()
}

func validateCardObject(field string, obj *FederatedCard) error {
	if obj == nil {
		return domain.NewValidationError("missing %s", field)
	}
	if obj.ID == "" {
		return domain.NewValidationError("%s is missing id", field)
	}
	if obj.Content == "" {
		return domain.NewValidationError("%s is missing content", field)
	}
	return nil
}

// Parse helpers return false when data is not an activity of the requested
// type; use Validate on the result to find out whether it is well formed.

func ParseCreate(data []byte) (*CreateActivity, bool)   { return parseAs[CreateActivity](data, TypeCreate) }
func ParseUpdate(data []byte) (*UpdateActivity, bool)   { return parseAs[UpdateActivity](data, TypeUpdate) }
func ParseDelete(data []byte) (*DeleteActivity, bool)   { return parseAs[DeleteActivity](data, TypeDelete) }
func ParseFork(data []byte) (*ForkActivity, bool)       { return parseAs[ForkActivity](data, TypeFork) }
func ParseInstall(data []byte) (*InstallActivity, bool) { return parseAs[InstallActivity](data, TypeInstall) }
func ParseFlag(data []byte) (*FlagActivity, bool)       { return parseAs[FlagActivity](data, TypeFlag) }
func ParseBlock(data []byte) (*BlockActivity, bool)     { return parseAs[BlockActivity](data, TypeBlock) }

func parseAs[T any, PT interface {
	*T
	Typed
}](data []byte, kind string) (PT, bool) {
	var v T
	p := PT(&v)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, false
	}
	if p.Header().Type != kind {
		return nil, false
	}
	return p, true
}

// Outbound constructors. Each stamps published with the current time and
// addresses the public collection unless to is given.

func newEnvelope(kind, id, actorID string, to []string) Envelope {
	if len(to) == 0 {
		to = []string{PublicCollection}
	}
	return Envelope{
		Context:   ActivityStreamsContext,
		ID:        id,
		Type:      kind,
		Actor:     ObjectRef(actorID),
		Published: now().UTC().Format(time.RFC3339),
		To:        URIList(to),
	}
}

func NewCreateActivity(id, actorID string, card *FederatedCard, to ...string) *CreateActivity {
	return &CreateActivity{Envelope: newEnvelope(TypeCreate, id, actorID, to), Object: stripContext(card)}
}

func NewUpdateActivity(id, actorID string, card *FederatedCard, to ...string) *UpdateActivity {
	return &UpdateActivity{Envelope: newEnvelope(TypeUpdate, id, actorID, to), Object: stripContext(card)}
}

func NewDeleteActivity(id, actorID, objectID string, to ...string) *DeleteActivity {
	return &DeleteActivity{Envelope: newEnvelope(TypeDelete, id, actorID, to), Object: ObjectRef(objectID)}
}

func NewForkActivity(id, actorID, sourceID string, forked *FederatedCard, to ...string) *ForkActivity {
	return &ForkActivity{Envelope: newEnvelope(TypeFork, id, actorID, to), Object: ObjectRef(sourceID), Result: stripContext(forked)}
}

func NewInstallActivity(id, actorID, cardID string, platform domain.PlatformID, to ...string) *InstallActivity {
	act := &InstallActivity{Envelope: newEnvelope(TypeInstall, id, actorID, to), Object: ObjectRef(cardID)}
	if platform != "" {
		act.Target = &InstallTarget{Type: "Application", Name: string(platform)}
	}
	return act
}

func NewFlagActivity(id, actorID string, targets []string, category, reason string, to ...string) *FlagActivity {
	return &FlagActivity{
		Envelope: newEnvelope(TypeFlag, id, actorID, to),
		Object:   append(URIList(nil), targets...),
		Content:  reason,
		Category: category,
	}
}

func NewBlockActivity(id, actorID, target string, to ...string) *BlockActivity {
	return &BlockActivity{Envelope: newEnvelope(TypeBlock, id, actorID, to), Object: ObjectRef(target)}
}

// embedded objects don't repeat the @context of the enclosing activity
func stripContext(card *FederatedCard) *FederatedCard {
	if card == nil {
		return nil
	}
	c := *card
	c.Context = nil
	return &c
}

func isAbsoluteURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
