package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

var tableNames = []string{
	"sync_states",
	"sync_platform_ids",
	"moderation_reports",
	"moderation_actions",
	"instance_blocks",
	"content_policies",
	"rate_limit_buckets",
}

const (
	sqlCreateSyncStatesTable = `CREATE TABLE IF NOT EXISTS {sync_states} (
		federated_id TEXT NOT NULL PRIMARY KEY,
		local_id TEXT NOT NULL,
		platform_ids TEXT NOT NULL,
		last_sync TEXT NOT NULL,
		version_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		conflict TEXT,
		forked_from TEXT,
		forks_count INTEGER NOT NULL DEFAULT 0,
		fork_notifications TEXT NOT NULL,
		stats TEXT,
		updated_at BIGINT NOT NULL
	)`

	// reverse index of platform_ids for lookups by local id
	sqlCreateSyncPlatformIDsTable = `CREATE TABLE IF NOT EXISTS {sync_platform_ids} (
		platform TEXT NOT NULL,
		local_id TEXT NOT NULL,
		federated_id TEXT NOT NULL,
		PRIMARY KEY (platform, local_id)
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS {moderation_reports} (
		id TEXT NOT NULL PRIMARY KEY,
		reporter_actor_id TEXT NOT NULL,
		reporter_instance TEXT NOT NULL,
		target_ids TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		activity_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		receiving_instance TEXT NOT NULL DEFAULT '',
		federated_to_target INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	)`

	sqlCreateActionsTable = `CREATE TABLE IF NOT EXISTS {moderation_actions} (
		id TEXT NOT NULL PRIMARY KEY,
		report_id TEXT NOT NULL DEFAULT '',
		moderator_actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		timestamp BIGINT NOT NULL,
		expires_at BIGINT,
		active INTEGER NOT NULL DEFAULT 1,
		reverses_action_id TEXT NOT NULL DEFAULT '',
		approved_by TEXT
	)`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS {instance_blocks} (
		id TEXT NOT NULL PRIMARY KEY,
		blocked_domain TEXT NOT NULL UNIQUE,
		level TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		federate INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreatePoliciesTable = `CREATE TABLE IF NOT EXISTS {content_policies} (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		rules TEXT NOT NULL,
		default_action TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`

	sqlCreateBucketsTable = `CREATE TABLE IF NOT EXISTS {rate_limit_buckets} (
		actor_id TEXT NOT NULL PRIMARY KEY,
		tokens DOUBLE PRECISION NOT NULL,
		max_tokens DOUBLE PRECISION NOT NULL,
		last_refill BIGINT NOT NULL,
		refill_rate DOUBLE PRECISION NOT NULL
	)`
)

var sqlCreateIndices = []string{
	`CREATE INDEX IF NOT EXISTS {sync_platform_ids}_federated_id ON {sync_platform_ids}(federated_id)`,
	`CREATE INDEX IF NOT EXISTS {moderation_reports}_status ON {moderation_reports}(status)`,
	`CREATE INDEX IF NOT EXISTS {moderation_actions}_target_id ON {moderation_actions}(target_id)`,
}

// RunMigrations creates all tables and indices if they do not exist yet.
func (d *DB) RunMigrations(ctx context.Context) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"sync_states", sqlCreateSyncStatesTable},
			{"sync_platform_ids", sqlCreateSyncPlatformIDsTable},
			{"moderation_reports", sqlCreateReportsTable},
			{"moderation_actions", sqlCreateActionsTable},
			{"instance_blocks", sqlCreateBlocksTable},
			{"content_policies", sqlCreatePoliciesTable},
			{"rate_limit_buckets", sqlCreateBucketsTable},
		}
		for _, t := range tables {
			if err := d.createTableIfNotExists(tx, t.sql, d.table(t.name)); err != nil {
				return err
			}
		}

		for _, idx := range sqlCreateIndices {
			if _, err := tx.Exec(d.q(idx)); err != nil {
				zap.S().Warnf("Failed to create index: %v", err)
			}
		}
		return nil
	})
}

func (d *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(d.q(createSQL)); err != nil {
		zap.S().Errorf("Error creating table %s: %v", tableName, err)
		return err
	}
	zap.S().Debugf("Table %s created or already exists", tableName)
	return nil
}
