package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/deemkeen/cardfed/domain"
)

// Reports
const (
	reportColumns = `id, reporter_actor_id, reporter_instance, target_ids, category, description, status, activity_id, created_at, updated_at, receiving_instance, federated_to_target, metadata`

	sqlUpsertReport = `INSERT INTO {moderation_reports} (` + reportColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			target_ids = excluded.target_ids,
			category = excluded.category,
			description = excluded.description,
			status = excluded.status,
			updated_at = excluded.updated_at,
			federated_to_target = excluded.federated_to_target,
			metadata = excluded.metadata`
	sqlSelectReport         = `SELECT ` + reportColumns + ` FROM {moderation_reports} WHERE id = ?`
	sqlSelectReports        = `SELECT ` + reportColumns + ` FROM {moderation_reports} ORDER BY created_at DESC`
	sqlSelectReportsByState = `SELECT ` + reportColumns + ` FROM {moderation_reports} WHERE status = ? ORDER BY created_at DESC`
)

func (d *DB) SaveReport(ctx context.Context, r *domain.ModerationReport) error {
	targets, err := json.Marshal(r.TargetIDs)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(r.Metadata, r.Metadata == nil)
	if err != nil {
		return err
	}
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlUpsertReport),
			r.ID,
			r.ReporterActorID,
			r.ReporterInstance,
			string(targets),
			r.Category,
			r.Description,
			r.Status,
			r.ActivityID,
			toMillis(r.CreatedAt),
			toMillis(r.UpdatedAt),
			r.ReceivingInstance,
			boolToInt(r.FederatedToTarget),
			metadata,
		)
		return err
	})
}

func scanReport(row rowScanner) (*domain.ModerationReport, error) {
	var (
		r                domain.ModerationReport
		targets          string
		created, updated int64
		federated        int
		metadata         sql.NullString
	)
	err := row.Scan(&r.ID, &r.ReporterActorID, &r.ReporterInstance, &targets, &r.Category, &r.Description,
		&r.Status, &r.ActivityID, &created, &updated, &r.ReceivingInstance, &federated, &metadata)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &r.TargetIDs); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, err
		}
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.FederatedToTarget = federated != 0
	return &r, nil
}

func (d *DB) GetReport(ctx context.Context, id string) (*domain.ModerationReport, error) {
	r, err := scanReport(d.db.QueryRowContext(ctx, d.q(sqlSelectReport), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListReports returns all reports, or only those with status when it is set.
func (d *DB) ListReports(ctx context.Context, status string) ([]*domain.ModerationReport, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = d.db.QueryContext(ctx, d.q(sqlSelectReports))
	} else {
		rows, err = d.db.QueryContext(ctx, d.q(sqlSelectReportsByState), status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ModerationReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Actions
const (
	actionColumns = `id, report_id, moderator_actor_id, target_id, action_type, reason, timestamp, expires_at, active, reverses_action_id, approved_by`

	sqlUpsertAction = `INSERT INTO {moderation_actions} (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			expires_at = excluded.expires_at,
			active = excluded.active,
			approved_by = excluded.approved_by`
	sqlSelectAction          = `SELECT ` + actionColumns + ` FROM {moderation_actions} WHERE id = ?`
	sqlSelectActions         = `SELECT ` + actionColumns + ` FROM {moderation_actions} ORDER BY timestamp ASC, id ASC`
	sqlSelectActionsByTarget = `SELECT ` + actionColumns + ` FROM {moderation_actions} WHERE target_id = ? ORDER BY timestamp ASC, id ASC`
)

func (d *DB) SaveAction(ctx context.Context, a *domain.ModerationAction) error {
	approved, err := marshalNullable(a.ApprovedBy, a.ApprovedBy == nil)
	if err != nil {
		return err
	}
	var expires sql.NullInt64
	if a.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*a.ExpiresAt), Valid: true}
	}
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlUpsertAction),
			a.ID,
			a.ReportID,
			a.ModeratorActorID,
			a.TargetID,
			a.ActionType,
			a.Reason,
			toMillis(a.Timestamp),
			expires,
			boolToInt(a.Active),
			a.ReversesActionID,
			approved,
		)
		return err
	})
}

func scanAction(row rowScanner) (*domain.ModerationAction, error) {
	var (
		a        domain.ModerationAction
		ts       int64
		expires  sql.NullInt64
		active   int
		approved sql.NullString
	)
	err := row.Scan(&a.ID, &a.ReportID, &a.ModeratorActorID, &a.TargetID, &a.ActionType, &a.Reason,
		&ts, &expires, &active, &a.ReversesActionID, &approved)
	if err != nil {
		return nil, err
	}
	a.Timestamp = fromMillis(ts)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		a.ExpiresAt = &t
	}
	a.Active = active != 0
	if approved.Valid && approved.String != "" {
		if err := json.Unmarshal([]byte(approved.String), &a.ApprovedBy); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (d *DB) GetAction(ctx context.Context, id string) (*domain.ModerationAction, error) {
	a, err := scanAction(d.db.QueryRowContext(ctx, d.q(sqlSelectAction), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListActions returns the audit trail, optionally restricted to one target.
func (d *DB) ListActions(ctx context.Context, targetID string) ([]*domain.ModerationAction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if targetID == "" {
		rows, err = d.db.QueryContext(ctx, d.q(sqlSelectActions))
	} else {
		rows, err = d.db.QueryContext(ctx, d.q(sqlSelectActionsByTarget), targetID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ModerationAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Instance blocks
const (
	blockColumns = `id, blocked_domain, level, reason, created_by, created_at, active, federate`

	sqlUpsertBlock = `INSERT INTO {instance_blocks} (` + blockColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (blocked_domain) DO UPDATE SET
			level = excluded.level,
			reason = excluded.reason,
			created_by = excluded.created_by,
			active = excluded.active,
			federate = excluded.federate`
	sqlSelectBlockByDomain = `SELECT ` + blockColumns + ` FROM {instance_blocks} WHERE blocked_domain = ?`
	sqlSelectBlocks        = `SELECT ` + blockColumns + ` FROM {instance_blocks} ORDER BY blocked_domain ASC`
)

func (d *DB) SaveInstanceBlock(ctx context.Context, b *domain.InstanceBlock) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlUpsertBlock),
			b.ID,
			strings.ToLower(b.BlockedDomain),
			string(b.Level),
			b.Reason,
			b.CreatedBy,
			toMillis(b.CreatedAt),
			boolToInt(b.Active),
			boolToInt(b.Federate),
		)
		return err
	})
}

func scanBlock(row rowScanner) (*domain.InstanceBlock, error) {
	var (
		b                domain.InstanceBlock
		created          int64
		active, federate int
	)
	err := row.Scan(&b.ID, &b.BlockedDomain, &b.Level, &b.Reason, &b.CreatedBy, &created, &active, &federate)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(created)
	b.Active = active != 0
	b.Federate = federate != 0
	return &b, nil
}

func (d *DB) GetInstanceBlock(ctx context.Context, domainName string) (*domain.InstanceBlock, error) {
	b, err := scanBlock(d.db.QueryRowContext(ctx, d.q(sqlSelectBlockByDomain), strings.ToLower(domainName)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (d *DB) ListInstanceBlocks(ctx context.Context) ([]*domain.InstanceBlock, error) {
	rows, err := d.db.QueryContext(ctx, d.q(sqlSelectBlocks))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.InstanceBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Content policies
const (
	policyColumns = `id, name, description, rules, default_action, enabled, created_at, updated_at`

	sqlUpsertPolicy = `INSERT INTO {content_policies} (` + policyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rules = excluded.rules,
			default_action = excluded.default_action,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`
	sqlSelectPolicy   = `SELECT ` + policyColumns + ` FROM {content_policies} WHERE id = ?`
	sqlSelectPolicies = `SELECT ` + policyColumns + ` FROM {content_policies} ORDER BY created_at ASC, id ASC`
	sqlDeletePolicy   = `DELETE FROM {content_policies} WHERE id = ?`
)

func (d *DB) SavePolicy(ctx context.Context, p *domain.ContentPolicy) error {
	rules := p.Rules
	if rules == nil {
		rules = []domain.ContentPolicyRule{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlUpsertPolicy),
			p.ID,
			p.Name,
			p.Description,
			string(rulesJSON),
			string(p.DefaultAction),
			boolToInt(p.Enabled),
			toMillis(p.CreatedAt),
			toMillis(p.UpdatedAt),
		)
		return err
	})
}

func scanPolicy(row rowScanner) (*domain.ContentPolicy, error) {
	var (
		p                domain.ContentPolicy
		rules            string
		enabled          int
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &rules, &p.DefaultAction, &enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (d *DB) GetPolicy(ctx context.Context, id string) (*domain.ContentPolicy, error) {
	p, err := scanPolicy(d.db.QueryRowContext(ctx, d.q(sqlSelectPolicy), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPolicies returns policies in creation order.
func (d *DB) ListPolicies(ctx context.Context) ([]*domain.ContentPolicy, error) {
	rows, err := d.db.QueryContext(ctx, d.q(sqlSelectPolicies))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ContentPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) DeletePolicy(ctx context.Context, id string) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlDeletePolicy), id)
		return err
	})
}

// Rate limit buckets
const (
	sqlSelectBucket = `SELECT actor_id, tokens, max_tokens, last_refill, refill_rate FROM {rate_limit_buckets} WHERE actor_id = ?`
	sqlUpsertBucket = `INSERT INTO {rate_limit_buckets} (actor_id, tokens, max_tokens, last_refill, refill_rate)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (actor_id) DO UPDATE SET
			tokens = excluded.tokens,
			max_tokens = excluded.max_tokens,
			last_refill = excluded.last_refill,
			refill_rate = excluded.refill_rate`
	sqlDeleteBucket = `DELETE FROM {rate_limit_buckets} WHERE actor_id = ?`
)

func (d *DB) GetBucket(ctx context.Context, actorID string) (*domain.RateLimitBucket, error) {
	var (
		b          domain.RateLimitBucket
		lastRefill int64
	)
	err := d.db.QueryRowContext(ctx, d.q(sqlSelectBucket), actorID).Scan(&b.ActorID, &b.Tokens, &b.MaxTokens, &lastRefill, &b.RefillRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.LastRefill = fromMillis(lastRefill)
	return &b, nil
}

func (d *DB) SaveBucket(ctx context.Context, b *domain.RateLimitBucket) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlUpsertBucket), b.ActorID, b.Tokens, b.MaxTokens, toMillis(b.LastRefill), b.RefillRate)
		return err
	})
}

func (d *DB) DeleteBucket(ctx context.Context, actorID string) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(d.q(sqlDeleteBucket), actorID)
		return err
	})
}
