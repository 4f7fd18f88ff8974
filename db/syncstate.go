package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/cardfed/domain"
)

const (
	syncStateColumns = `federated_id, local_id, platform_ids, last_sync, version_hash, status, conflict, forked_from, forks_count, fork_notifications, stats`

	sqlSelectSyncState = `SELECT ` + syncStateColumns + ` FROM {sync_states} WHERE federated_id = ?`
	sqlSelectSyncByIDs = `SELECT s.federated_id, s.local_id, s.platform_ids, s.last_sync, s.version_hash, s.status, s.conflict, s.forked_from, s.forks_count, s.fork_notifications, s.stats
		FROM {sync_states} s INNER JOIN {sync_platform_ids} p ON p.federated_id = s.federated_id
		WHERE p.platform = ? AND p.local_id = ?`
	sqlSelectSyncStates = `SELECT ` + syncStateColumns + ` FROM {sync_states} ORDER BY updated_at DESC`
	sqlUpsertSyncState  = `INSERT INTO {sync_states} (` + syncStateColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (federated_id) DO UPDATE SET
			local_id = excluded.local_id,
			platform_ids = excluded.platform_ids,
			last_sync = excluded.last_sync,
			version_hash = excluded.version_hash,
			status = excluded.status,
			conflict = excluded.conflict,
			forked_from = excluded.forked_from,
			forks_count = excluded.forks_count,
			fork_notifications = excluded.fork_notifications,
			stats = excluded.stats,
			updated_at = excluded.updated_at`
	sqlDeleteSyncState       = `DELETE FROM {sync_states} WHERE federated_id = ?`
	sqlDeletePlatformIDs     = `DELETE FROM {sync_platform_ids} WHERE federated_id = ?`
	sqlDeletePlatformIDEntry = `DELETE FROM {sync_platform_ids} WHERE platform = ? AND local_id = ?`
	sqlInsertPlatformID      = `INSERT INTO {sync_platform_ids} (platform, local_id, federated_id) VALUES (?, ?, ?)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row rowScanner) (*domain.CardSyncState, error) {
	var (
		s                                    domain.CardSyncState
		platformIDs, lastSync, notifications string
		conflict, forkedFrom, stats          sql.NullString
	)
	err := row.Scan(&s.FederatedID, &s.LocalID, &platformIDs, &lastSync, &s.VersionHash, &s.Status,
		&conflict, &forkedFrom, &s.ForksCount, &notifications, &stats)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(platformIDs), &s.PlatformIDs); err != nil {
		return nil, fmt.Errorf("corrupt platform_ids for %s: %w", s.FederatedID, err)
	}
	var millis map[domain.PlatformID]int64
	if err := json.Unmarshal([]byte(lastSync), &millis); err != nil {
		return nil, fmt.Errorf("corrupt last_sync for %s: %w", s.FederatedID, err)
	}
	s.LastSync = make(map[domain.PlatformID]time.Time, len(millis))
	for p, ms := range millis {
		s.LastSync[p] = fromMillis(ms)
	}
	if err := json.Unmarshal([]byte(notifications), &s.ForkNotifications); err != nil {
		return nil, fmt.Errorf("corrupt fork_notifications for %s: %w", s.FederatedID, err)
	}
	if err := unmarshalNullable(conflict, &s.Conflict); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(forkedFrom, &s.ForkedFrom); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(stats, &s.Stats); err != nil {
		return nil, err
	}
	if s.PlatformIDs == nil {
		s.PlatformIDs = map[domain.PlatformID]string{}
	}
	return &s, nil
}

func unmarshalNullable[T any](col sql.NullString, dst **T) error {
	if !col.Valid || col.String == "" {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func marshalNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (d *DB) GetSyncState(ctx context.Context, federatedID string) (*domain.CardSyncState, error) {
	s, err := scanSyncState(d.db.QueryRowContext(ctx, d.q(sqlSelectSyncState), federatedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (d *DB) FindSyncStateByPlatformID(ctx context.Context, platform domain.PlatformID, localID string) (*domain.CardSyncState, error) {
	s, err := scanSyncState(d.db.QueryRowContext(ctx, d.q(sqlSelectSyncByIDs), string(platform), localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (d *DB) ListSyncStates(ctx context.Context) ([]*domain.CardSyncState, error) {
	rows, err := d.db.QueryContext(ctx, d.q(sqlSelectSyncStates))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CardSyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) SaveSyncState(ctx context.Context, state *domain.CardSyncState) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return d.saveSyncState(tx, state)
	})
}

func (d *DB) saveSyncState(tx *sql.Tx, s *domain.CardSyncState) error {
	platformIDs, err := json.Marshal(nonNilMap(s.PlatformIDs))
	if err != nil {
		return err
	}
	millis := make(map[domain.PlatformID]int64, len(s.LastSync))
	for p, t := range s.LastSync {
		millis[p] = toMillis(t)
	}
	lastSync, err := json.Marshal(millis)
	if err != nil {
		return err
	}
	notifications := s.ForkNotifications
	if notifications == nil {
		notifications = []domain.ForkNotification{}
	}
	notifJSON, err := json.Marshal(notifications)
	if err != nil {
		return err
	}
	conflict, err := marshalNullable(s.Conflict, s.Conflict == nil)
	if err != nil {
		return err
	}
	forkedFrom, err := marshalNullable(s.ForkedFrom, s.ForkedFrom == nil)
	if err != nil {
		return err
	}
	stats, err := marshalNullable(s.Stats, s.Stats == nil)
	if err != nil {
		return err
	}

	_, err = tx.Exec(d.q(sqlUpsertSyncState),
		s.FederatedID,
		s.LocalID,
		string(platformIDs),
		string(lastSync),
		s.VersionHash,
		string(s.Status),
		conflict,
		forkedFrom,
		s.ForksCount,
		string(notifJSON),
		stats,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(d.q(sqlDeletePlatformIDs), s.FederatedID); err != nil {
		return err
	}
	for platform, localID := range s.PlatformIDs {
		// a local id can only belong to one federated card
		if _, err := tx.Exec(d.q(sqlDeletePlatformIDEntry), string(platform), localID); err != nil {
			return err
		}
		if _, err := tx.Exec(d.q(sqlInsertPlatformID), string(platform), localID, s.FederatedID); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) DeleteSyncState(ctx context.Context, federatedID string) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(d.q(sqlDeletePlatformIDs), federatedID); err != nil {
			return err
		}
		_, err := tx.Exec(d.q(sqlDeleteSyncState), federatedID)
		return err
	})
}

// IncrementForkCount reads and rewrites the state in one transaction. On
// postgres the row is locked for the read so concurrent forks serialize.
func (d *DB) IncrementForkCount(ctx context.Context, federatedID string, n domain.ForkNotification) (*domain.CardSyncState, error) {
	var updated *domain.CardSyncState
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		s, err := scanSyncState(tx.QueryRow(d.forUpdate(d.q(sqlSelectSyncState)), federatedID))
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "sync state", ID: federatedID}
		}
		if err != nil {
			return err
		}
		s.AddForkNotification(n)
		if err := d.saveSyncState(tx, s); err != nil {
			return err
		}
		updated = s
		return nil
	})
	return updated, err
}

func nonNilMap(m map[domain.PlatformID]string) map[domain.PlatformID]string {
	if m == nil {
		return map[domain.PlatformID]string{}
	}
	return m
}
