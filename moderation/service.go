package moderation

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ActionTypeReverse     = "reverse"
	ActionTypeRemoteBlock = "remote_block"

	CategoryOther = "other"
)

// Service handles reports, moderator actions, instance blocks and
// content policies.
type Service struct {
	fed   *util.Federation
	store Store
	now   func() time.Time
}

func NewService(fed *util.Federation, store Store) *Service {
	return &Service{fed: fed, store: store, now: time.Now}
}

type ReportInput struct {
	ReporterActorID  string
	ReporterInstance string
	TargetIDs        []string
	Category         string
	Description      string
	ActivityID       string
	Metadata         map[string]any
}

func (s *Service) CreateReport(ctx context.Context, in ReportInput) (*domain.ModerationReport, error) {
	return s.createReport(ctx, in, "local")
}

func (s *Service) createReport(ctx context.Context, in ReportInput, source string) (*domain.ModerationReport, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ReporterActorID) == "" {
		return nil, domain.NewValidationError("report requires a reporter")
	}
	if len(in.TargetIDs) == 0 {
		return nil, domain.NewValidationError("report requires at least one target")
	}
	for _, t := range in.TargetIDs {
		if strings.TrimSpace(t) == "" {
			return nil, domain.NewValidationError("report target must not be empty")
		}
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = CategoryOther
	}
	instance := in.ReporterInstance
	if instance == "" {
		instance = hostOf(in.ReporterActorID)
	}

	now := s.now()
	r := &domain.ModerationReport{
		ID:                uuid.NewString(),
		ReporterActorID:   in.ReporterActorID,
		ReporterInstance:  instance,
		TargetIDs:         append([]string(nil), in.TargetIDs...),
		Category:          category,
		Description:       in.Description,
		Status:            domain.ReportStatusPending,
		ActivityID:        in.ActivityID,
		CreatedAt:         now,
		UpdatedAt:         now,
		ReceivingInstance: s.fed.Domain,
		Metadata:          in.Metadata,
	}
	if err := s.store.SaveReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}
	reportsCreated.WithLabelValues(source).Inc()
	return r, nil
}

func (s *Service) GetReport(ctx context.Context, id string) (*domain.ModerationReport, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &domain.NotFoundError{Kind: "report", ID: id}
	}
	return r, nil
}

// UpdateReportStatus moves a report to status. Statuses are free-form.
func (s *Service) UpdateReportStatus(ctx context.Context, id, status string) (*domain.ModerationReport, error) {
	if strings.TrimSpace(status) == "" {
		return nil, domain.NewValidationError("report status must not be empty")
	}
	r, err := s.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = status
	r.UpdatedAt = s.now()
	if err := s.store.SaveReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}
	return r, nil
}

func (s *Service) ListReports(ctx context.Context, status string) ([]*domain.ModerationReport, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	return s.store.ListReports(ctx, status)
}

type ActionInput struct {
	ReportID         string
	ModeratorActorID string
	TargetID         string
	ActionType       string
	Reason           string
	ExpiresAt        *time.Time
	ApprovedBy       []string
}

// TakeAction appends an action to the audit trail. Linking a report
// resolves it.
func (s *Service) TakeAction(ctx context.Context, in ActionInput) (*domain.ModerationAction, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	if in.ModeratorActorID == "" || in.TargetID == "" || in.ActionType == "" {
		return nil, domain.NewValidationError("action requires moderator, target and type")
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, domain.NewValidationError("action expiry must be in the future")
	}

	var report *domain.ModerationReport
	if in.ReportID != "" {
		r, err := s.store.GetReport(ctx, in.ReportID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, &domain.NotFoundError{Kind: "report", ID: in.ReportID}
		}
		report = r
	}

	a := &domain.ModerationAction{
		ID:               uuid.NewString(),
		ReportID:         in.ReportID,
		ModeratorActorID: in.ModeratorActorID,
		TargetID:         in.TargetID,
		ActionType:       in.ActionType,
		Reason:           in.Reason,
		Timestamp:        now,
		ExpiresAt:        in.ExpiresAt,
		Active:           true,
		ApprovedBy:       append([]string(nil), in.ApprovedBy...),
	}
	if err := s.store.SaveAction(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save action: %w", err)
	}

	if report != nil && report.Status == domain.ReportStatusPending {
		report.Status = domain.ReportStatusResolved
		report.UpdatedAt = now
		if err := s.store.SaveReport(ctx, report); err != nil {
			return nil, fmt.Errorf("failed to resolve report: %w", err)
		}
	}
	zap.S().Infof("Moderation: %s on %s by %s", a.ActionType, a.TargetID, a.ModeratorActorID)
	return a, nil
}

// ReverseAction deactivates actionID and records the reversal as a new action.
func (s *Service) ReverseAction(ctx context.Context, actionID, moderatorActorID, reason string) (*domain.ModerationAction, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	orig, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, &domain.NotFoundError{Kind: "action", ID: actionID}
	}
	if !orig.Active {
		return nil, domain.NewValidationError("action %s is not active", actionID)
	}

	orig.Active = false
	if err := s.store.SaveAction(ctx, orig); err != nil {
		return nil, fmt.Errorf("failed to save action: %w", err)
	}
	rev := &domain.ModerationAction{
		ID:               uuid.NewString(),
		ReportID:         orig.ReportID,
		ModeratorActorID: moderatorActorID,
		TargetID:         orig.TargetID,
		ActionType:       ActionTypeReverse,
		Reason:           reason,
		Timestamp:        s.now(),
		Active:           true,
		ReversesActionID: orig.ID,
	}
	if err := s.store.SaveAction(ctx, rev); err != nil {
		return nil, fmt.Errorf("failed to save action: %w", err)
	}
	return rev, nil
}

func (s *Service) ListActions(ctx context.Context, targetID string) ([]*domain.ModerationAction, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, targetID)
}

// ActiveActions returns targetID's actions that are neither reversed nor expired.
func (s *Service) ActiveActions(ctx context.Context, targetID string) ([]*domain.ModerationAction, error) {
	all, err := s.ListActions(ctx, targetID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []*domain.ModerationAction
	for _, a := range all {
		if !a.Active || a.ActionType == ActionTypeReverse {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type BlockInput struct {
	Domain    string
	Level     domain.BlockLevel
	Reason    string
	CreatedBy string
	Federate  bool
}

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// BlockInstance creates or replaces the block for a domain.
func (s *Service) BlockInstance(ctx context.Context, in BlockInput) (*domain.InstanceBlock, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	name := strings.ToLower(strings.TrimSpace(in.Domain))
	if !domainPattern.MatchString(name) {
		return nil, domain.NewValidationError("invalid domain %q", in.Domain)
	}
	if name == s.fed.Domain {
		return nil, domain.NewValidationError("cannot block the local instance")
	}
	level := in.Level
	if level == "" {
		level = domain.BlockSuspend
	}
	if !level.Valid() {
		return nil, domain.NewValidationError("invalid block level %q", in.Level)
	}

	existing, err := s.store.GetInstanceBlock(ctx, name)
	if err != nil {
		return nil, err
	}
	b := &domain.InstanceBlock{
		ID:            uuid.NewString(),
		BlockedDomain: name,
		Level:         level,
		Reason:        in.Reason,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     s.now(),
		Active:        true,
		Federate:      in.Federate,
	}
	if existing != nil {
		b.ID = existing.ID
		b.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveInstanceBlock(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to save block: %w", err)
	}
	zap.S().Infof("Moderation: blocked %s (%s)", name, level)
	return b, nil
}

// UnblockInstance deactivates the block but keeps the record.
func (s *Service) UnblockInstance(ctx context.Context, domainName string) error {
	if err := s.fed.Check(); err != nil {
		return err
	}
	b, err := s.store.GetInstanceBlock(ctx, domainName)
	if err != nil {
		return err
	}
	if b == nil {
		return &domain.NotFoundError{Kind: "instance block", ID: domainName}
	}
	b.Active = false
	return s.store.SaveInstanceBlock(ctx, b)
}

func (s *Service) ListInstanceBlocks(ctx context.Context) ([]*domain.InstanceBlock, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	return s.store.ListInstanceBlocks(ctx)
}

// IsInstanceBlocked reports whether host or one of its parent domains has an
// active suspend block.
func (s *Service) IsInstanceBlocked(ctx context.Context, host string) (bool, error) {
	if err := s.fed.Check(); err != nil {
		return false, err
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	for host != "" {
		b, err := s.store.GetInstanceBlock(ctx, host)
		if err != nil {
			return false, err
		}
		if b != nil && b.Active && b.Level == domain.BlockSuspend {
			return true, nil
		}
		_, parent, ok := strings.Cut(host, ".")
		if !ok || !strings.Contains(parent, ".") {
			break
		}
		host = parent
	}
	return false, nil
}

// CreatePolicy validates p, assigns ids and stores it.
func (s *Service) CreatePolicy(ctx context.Context, p *domain.ContentPolicy) (*domain.ContentPolicy, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	c := *p
	c.ID = uuid.NewString()
	c.Rules = append([]domain.ContentPolicyRule(nil), p.Rules...)
	if c.DefaultAction == "" {
		c.DefaultAction = domain.ActionAllow
	}
	for i := range c.Rules {
		if c.Rules[i].ID == "" {
			c.Rules[i].ID = uuid.NewString()
		}
	}
	if err := ValidatePolicy(&c); err != nil {
		return nil, err
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.store.SavePolicy(ctx, &c); err != nil {
		return nil, fmt.Errorf("failed to save policy: %w", err)
	}
	return &c, nil
}

// UpdatePolicy replaces an existing policy, keeping its creation time.
func (s *Service) UpdatePolicy(ctx context.Context, p *domain.ContentPolicy) (*domain.ContentPolicy, error) {
	existing, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	c := *p
	c.Rules = append([]domain.ContentPolicyRule(nil), p.Rules...)
	for i := range c.Rules {
		if c.Rules[i].ID == "" {
			c.Rules[i].ID = uuid.NewString()
		}
	}
	if err := ValidatePolicy(&c); err != nil {
		return nil, err
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()
	if err := s.store.SavePolicy(ctx, &c); err != nil {
		return nil, fmt.Errorf("failed to save policy: %w", err)
	}
	return &c, nil
}

func (s *Service) GetPolicy(ctx context.Context, id string) (*domain.ContentPolicy, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &domain.NotFoundError{Kind: "policy", ID: id}
	}
	return p, nil
}

func (s *Service) ListPolicies(ctx context.Context) ([]*domain.ContentPolicy, error) {
	if err := s.fed.Check(); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx)
}

func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	if _, err := s.GetPolicy(ctx, id); err != nil {
		return err
	}
	return s.store.DeletePolicy(ctx, id)
}

// ValidatePolicy checks enum values and that regex rules compile.
func ValidatePolicy(p *domain.ContentPolicy) error {
	if strings.TrimSpace(p.Name) == "" {
		return domain.NewValidationError("policy requires a name")
	}
	if !p.DefaultAction.Valid() {
		return domain.NewValidationError("invalid default action %q", p.DefaultAction)
	}
	for _, r := range p.Rules {
		if !r.Type.Valid() {
			return domain.NewValidationError("rule %s: invalid type %q", r.ID, r.Type)
		}
		if !r.Action.Valid() {
			return domain.NewValidationError("rule %s: invalid action %q", r.ID, r.Action)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return domain.NewValidationError("rule %s: pattern must not be empty", r.ID)
		}
		if r.Type == domain.RuleRegex {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return &domain.ValidationError{Msg: fmt.Sprintf("rule %s: invalid regex", r.ID), Err: err}
			}
		}
	}
	return nil
}

// HandleFlag turns an inbound Flag into a pending report.
func (s *Service) HandleFlag(ctx context.Context, a *activitypub.FlagActivity) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r, err := s.createReport(ctx, ReportInput{
		ReporterActorID:  a.ActorID(),
		ReporterInstance: hostOf(a.ActorID()),
		TargetIDs:        []string(a.Object),
		Category:         a.Category,
		Description:      a.Content,
		ActivityID:       a.ID,
		Metadata:         map[string]any{"source": "federation"},
	}, "federation")
	if err != nil {
		return err
	}
	zap.S().Infof("Moderation: report %s received from %s", r.ID, r.ReporterInstance)
	return nil
}

// HandleBlock records a remote block against one of our actors in the audit trail.
func (s *Service) HandleBlock(ctx context.Context, a *activitypub.BlockActivity) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := s.TakeAction(ctx, ActionInput{
		ModeratorActorID: a.ActorID(),
		TargetID:         a.Object.String(),
		ActionType:       ActionTypeRemoteBlock,
		Reason:           "Block received from " + hostOf(a.ActorID()),
	})
	return err
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
