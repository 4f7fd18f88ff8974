package domain

import "time"

// ModerationReport is a user or remote-instance report against one or more targets.
// Status is an open string; instances define their own workflow.
type ModerationReport struct {
	ID                string         `json:"id"`
	ReporterActorID   string         `json:"reporterActorId"`
	ReporterInstance  string         `json:"reporterInstance"`
	TargetIDs         []string       `json:"targetIds"`
	Category          string         `json:"category"`
	Description       string         `json:"description"`
	Status            string         `json:"status"`
	ActivityID        string         `json:"activityId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	ReceivingInstance string         `json:"receivingInstance"`
	FederatedToTarget bool           `json:"federatedToTarget"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

const (
	ReportStatusPending  = "pending"
	ReportStatusResolved = "resolved"
)

// ModerationAction is an append-only audit entry; reversal flips Active instead of deleting.
type ModerationAction struct {
	ID               string     `json:"id"`
	ReportID         string     `json:"reportId,omitempty"`
	ModeratorActorID string     `json:"moderatorActorId"`
	TargetID         string     `json:"targetId"`
	ActionType       string     `json:"actionType"`
	Reason           string     `json:"reason"`
	Timestamp        time.Time  `json:"timestamp"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Active           bool       `json:"active"`
	ReversesActionID string     `json:"reversesActionId,omitempty"`
	ApprovedBy       []string   `json:"approvedBy,omitempty"`
}

type BlockLevel string

const (
	BlockSuspend     BlockLevel = "suspend"
	BlockSilence     BlockLevel = "silence"
	BlockRejectMedia BlockLevel = "reject_media"
)

func (l BlockLevel) Valid() bool {
	switch l {
	case BlockSuspend, BlockSilence, BlockRejectMedia:
		return true
	}
	return false
}

type InstanceBlock struct {
	ID            string     `json:"id"`
	BlockedDomain string     `json:"blockedDomain"`
	Level         BlockLevel `json:"level"`
	Reason        string     `json:"reason"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	Active        bool       `json:"active"`
	Federate      bool       `json:"federate"`
}

type RuleType string

const (
	RuleKeyword  RuleType = "keyword"
	RuleRegex    RuleType = "regex"
	RuleTag      RuleType = "tag"
	RuleCreator  RuleType = "creator"
	RuleInstance RuleType = "instance"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleKeyword, RuleRegex, RuleTag, RuleCreator, RuleInstance:
		return true
	}
	return false
}

type PolicyAction string

const (
	ActionAllow      PolicyAction = "allow"
	ActionWarn       PolicyAction = "warn"
	ActionReview     PolicyAction = "review"
	ActionReject     PolicyAction = "reject"
	ActionQuarantine PolicyAction = "quarantine"
)

func (a PolicyAction) Valid() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionReview, ActionReject, ActionQuarantine:
		return true
	}
	return false
}

type ContentPolicyRule struct {
	ID           string       `json:"id"`
	Type         RuleType     `json:"type"`
	Pattern      string       `json:"pattern"`
	TargetFields []string     `json:"targetFields,omitempty"`
	Action       PolicyAction `json:"action"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`
}

type ContentPolicy struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	Rules         []ContentPolicyRule `json:"rules"`
	DefaultAction PolicyAction        `json:"defaultAction"`
	Enabled       bool                `json:"enabled"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// RateLimitBucket is the persisted token bucket for one actor.
// RefillRate is in tokens per hour.
type RateLimitBucket struct {
	ActorID    string    `json:"actorId"`
	Tokens     float64   `json:"tokens"`
	MaxTokens  float64   `json:"maxTokens"`
	LastRefill time.Time `json:"lastRefill"`
	RefillRate float64   `json:"refillRate"`
}
