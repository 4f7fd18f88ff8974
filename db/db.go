package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/cardfed/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	maxPrefixLen = 32
	busyRetries  = 5
)

var prefixPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidateTablePrefix rejects prefixes that could smuggle SQL into table names.
// The empty prefix is allowed.
func ValidateTablePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > maxPrefixLen {
		return &domain.ConfigError{Msg: fmt.Sprintf("table prefix %q is longer than %d characters", prefix, maxPrefixLen)}
	}
	if !prefixPattern.MatchString(prefix) {
		return &domain.ConfigError{Msg: fmt.Sprintf("table prefix %q must match %s", prefix, prefixPattern)}
	}
	return nil
}

// DB is the SQL-backed store for sync state and moderation records.
type DB struct {
	db     *sql.DB
	driver string
	prefix string
}

// Open connects to dsn with driver ("sqlite" or "pgx") and runs migrations.
func Open(ctx context.Context, driver, dsn, prefix string) (*DB, error) {
	if err := ValidateTablePrefix(prefix); err != nil {
		return nil, err
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("unsupported database driver %q", driver)}
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		configureSQLite(sqlDB, dsn)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	d := &DB{db: sqlDB, driver: driver, prefix: prefix}
	if err := d.RunMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func configureSQLite(db *sql.DB, dsn string) {
	if strings.Contains(dsn, ":memory:") {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
		return
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		zap.S().Warnf("Failed to enable WAL mode: %v", err)
	} else {
		zap.S().Infof("Database journal mode: %s", journalMode)
	}

	db.Exec("PRAGMA synchronous = NORMAL")
	db.Exec("PRAGMA temp_store = MEMORY")
	db.Exec("PRAGMA busy_timeout = 5000")
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) table(name string) string {
	return d.prefix + name
}

// forUpdate adds a row lock to a SELECT. sqlite locks the whole database
// on write and has no FOR UPDATE.
func (d *DB) forUpdate(query string) string {
	if d.driver == DriverPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

// q expands {name} table placeholders and rewrites ? binds for postgres.
func (d *DB) q(query string) string {
	for _, name := range tableNames {
		query = strings.ReplaceAll(query, "{"+name+"}", d.table(name))
	}
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// wrapTransaction runs f in a transaction, retrying while sqlite reports
// the database as busy. f must only use tx.
func (d *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = d.db.BeginTx(ctx, nil)
		if err != nil {
			zap.S().Errorf("error starting transaction: %s", err)
			return err
		}

		if err = f(tx); err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
			zap.S().Errorf("error committing transaction: %s", err)
		} else {
			_ = tx.Rollback()
		}

		if !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
