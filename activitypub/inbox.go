package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"go.uber.org/zap"
)

// Reason classifies a rejection so transports can map it to a status code.
type Reason string

const (
	ReasonInvalid      Reason = "invalid"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonBlocked      Reason = "blocked"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonInternal     Reason = "internal"
)

// DefaultRequiredHeaders must be covered by every signature in strict mode.
var DefaultRequiredHeaders = []string{"(request-target)", "host", "date"}

type InboxResult struct {
	Accepted     bool
	ActivityType string
	Reason       Reason
	Error        string
	RetryAfter   time.Duration
}

func accepted(kind string) InboxResult {
	return InboxResult{Accepted: true, ActivityType: kind}
}

func rejected(kind string, reason Reason, msg string) InboxResult {
	return InboxResult{ActivityType: kind, Reason: reason, Error: msg}
}

// InboxRequest is one inbound delivery. Body holds the raw bytes as received.
type InboxRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// BlockChecker reports whether a remote host is barred from delivering.
type BlockChecker interface {
	IsInstanceBlocked(ctx context.Context, host string) (bool, error)
}

// ActorLimiter throttles deliveries per remote actor.
type ActorLimiter interface {
	Allow(ctx context.Context, actorID string) (bool, time.Duration, error)
}

// Handlers are invoked for accepted activities. A nil handler accepts and
// drops the activity.
type Handlers struct {
	OnCreate   func(ctx context.Context, a *CreateActivity) error
	OnUpdate   func(ctx context.Context, a *UpdateActivity) error
	OnDelete   func(ctx context.Context, a *DeleteActivity) error
	OnFork     func(ctx context.Context, a *ForkActivity) error
	OnInstall  func(ctx context.Context, a *InstallActivity) error
	OnLike     func(ctx context.Context, a *LikeActivity) error
	OnAnnounce func(ctx context.Context, a *AnnounceActivity) error
	OnUndo     func(ctx context.Context, a *UndoActivity) error
	OnFlag     func(ctx context.Context, a *FlagActivity) error
	OnBlock    func(ctx context.Context, a *BlockActivity) error
}

type InboxOptions struct {
	StrictMode      bool
	RequiredHeaders []string
	Blocks          BlockChecker
	Limiter         ActorLimiter
}

// Inbox runs inbound deliveries through block check, decoding, signature
// verification and routing.
type Inbox struct {
	fed      *util.Federation
	verifier *Verifier
	handlers Handlers
	opts     InboxOptions
}

func NewInbox(fed *util.Federation, verifier *Verifier, handlers Handlers, opts InboxOptions) (*Inbox, error) {
	if err := fed.Check(); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, &domain.ConfigError{Msg: "inbox requires a signature verifier"}
	}
	if len(opts.RequiredHeaders) == 0 {
		opts.RequiredHeaders = DefaultRequiredHeaders
	}
	return &Inbox{fed: fed, verifier: verifier, handlers: handlers, opts: opts}, nil
}

// Handle never fails on untrusted input: every problem with the delivery is
// reported in the result. The error return is reserved for a disabled
// federation gate.
func (in *Inbox) Handle(ctx context.Context, req InboxRequest) (res InboxResult, err error) {
	if err := in.fed.Check(); err != nil {
		return InboxResult{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Inbox: panic while handling %s: %v", res.ActivityType, r)
			res = rejected(res.ActivityType, ReasonInternal, fmt.Sprintf("internal error: %v", r))
			err = nil
		}
		outcome := "accepted"
		if !res.Accepted {
			outcome = string(res.Reason)
		}
		inboxActivities.WithLabelValues(metricType(res.ActivityType), outcome).Inc()
	}()

	// Received -> BlockChecked
	if in.opts.Blocks != nil {
		if host := hostOf(peekActor(req.Body)); host != "" {
			blocked, err := in.opts.Blocks.IsInstanceBlocked(ctx, host)
			if err != nil {
				zap.S().Errorf("Inbox: block lookup for %s failed: %v", host, err)
				return rejected("", ReasonInternal, "block lookup failed"), nil
			}
			if blocked {
				zap.S().Infof("Inbox: rejected delivery from blocked instance %s", host)
				return rejected("", ReasonBlocked, "Instance "+host+" is blocked"), nil
			}
		}
	}

	// BlockChecked -> ActivityParsed
	act, err := Decode(req.Body)
	if err != nil {
		zap.S().Infof("Inbox: invalid activity: %v", err)
		return rejected("", ReasonInvalid, "Invalid activity: "+err.Error()), nil
	}
	env := act.Header()

	// ActivityParsed -> SignatureVerified
	if in.opts.StrictMode || req.Headers.Get("Signature") != "" {
		if res, ok := in.verify(ctx, req, env); !ok {
			return res, nil
		}
	}

	if in.opts.Limiter != nil {
		allowed, retry, err := in.opts.Limiter.Allow(ctx, env.ActorID())
		if err != nil {
			zap.S().Errorf("Inbox: rate limit lookup for %s failed: %v", env.ActorID(), err)
			return rejected(env.Type, ReasonInternal, "rate limit lookup failed"), nil
		}
		if !allowed {
			res := rejected(env.Type, ReasonRateLimited, "Rate limit exceeded for "+env.ActorID())
			res.RetryAfter = retry
			return res, nil
		}
	}

	// SignatureVerified -> Routed
	if err := act.Validate(); err != nil {
		zap.S().Infof("Inbox: invalid %s from %s: %v", env.Type, env.ActorID(), err)
		return rejected(env.Type, ReasonInvalid, "Invalid activity: "+err.Error()), nil
	}
	if err := in.route(ctx, act); err != nil {
		zap.S().Errorf("Inbox: %s handler for %s failed: %v", env.Type, env.ID, err)
		reason := ReasonInternal
		if domain.IsValidation(err) || domain.IsNotFound(err) {
			reason = ReasonInvalid
		} else if domain.IsSecurity(err) {
			reason = ReasonUnauthorized
		}
		return rejected(env.Type, reason, err.Error()), nil
	}

	zap.S().Infof("Inbox: accepted %s %s from %s", env.Type, env.ID, env.ActorID())
	return accepted(env.Type), nil
}

func (in *Inbox) verify(ctx context.Context, req InboxRequest, env *Envelope) (InboxResult, bool) {
	sig, err := in.verifier.Verify(ctx, VerifyInput{
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
		ActorID: env.ActorID(),
	})
	if err != nil {
		signatureFailures.Inc()
		zap.S().Warnf("Inbox: signature check failed for %s from %s: %v", env.Type, env.ActorID(), err)
		var secErr *domain.SecurityError
		msg := err.Error()
		if errors.As(err, &secErr) {
			msg = secErr.Msg
		}
		return rejected(env.Type, ReasonUnauthorized, msg), false
	}
	if in.opts.StrictMode {
		for _, h := range in.opts.RequiredHeaders {
			if !sig.Covers(h) {
				signatureFailures.Inc()
				return rejected(env.Type, ReasonUnauthorized, "Signature does not cover required header "+h), false
			}
		}
	}
	return InboxResult{}, true
}

func (in *Inbox) route(ctx context.Context, act Typed) error {
	h := in.handlers
	switch a := act.(type) {
	case *CreateActivity:
		return call(ctx, h.OnCreate, a)
	case *UpdateActivity:
		return call(ctx, h.OnUpdate, a)
	case *DeleteActivity:
		return call(ctx, h.OnDelete, a)
	case *ForkActivity:
		return call(ctx, h.OnFork, a)
	case *InstallActivity:
		return call(ctx, h.OnInstall, a)
	case *LikeActivity:
		return call(ctx, h.OnLike, a)
	case *AnnounceActivity:
		return call(ctx, h.OnAnnounce, a)
	case *UndoActivity:
		return call(ctx, h.OnUndo, a)
	case *FlagActivity:
		return call(ctx, h.OnFlag, a)
	case *BlockActivity:
		return call(ctx, h.OnBlock, a)
	case *UnknownActivity:
		zap.S().Debugf("Inbox: ignoring unsupported activity type %s", a.Type)
		return nil
	}
	return fmt.Errorf("unhandled activity variant %T", act)
}

func call[A Typed](ctx context.Context, fn func(context.Context, A) error, a A) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, a)
}

// peekActor pulls the actor id out of a body without decoding the rest.
func peekActor(body []byte) string {
	var peek struct {
		Actor ObjectRef `json:"actor"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}
	return peek.Actor.String()
}

var knownTypes = []string{TypeCreate, TypeUpdate, TypeDelete, TypeFork, TypeInstall, TypeLike, TypeAnnounce, TypeUndo, TypeFlag, TypeBlock}

// metricType keeps label cardinality bounded.
func metricType(kind string) string {
	switch {
	case kind == "":
		return "none"
	case slices.Contains(knownTypes, kind):
		return strings.ToLower(kind)
	}
	return "other"
}
