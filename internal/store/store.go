// Package store is the persistent session store: grantees, their
// device-identity and rule bindings, access grants, runtime settings
// and the audit trail. Backed by SQLite; the reconciliation loop and
// the intake handlers are its only writers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Domain errors surfaced to intake and the admin API.
var (
	ErrNotFound         = errors.New("record not found")
	ErrIdentityBound    = errors.New("device identity already bound")
	ErrBindingLimit     = errors.New("identity binding limit reached")
	ErrRuleCommentTaken = errors.New("rule comment already bound")
	ErrGrantOpen        = errors.New("grantee already has an open grant")
)

// maxIdentityBindings caps device identities per grantee.
const maxIdentityBindings = 2

const schema = `
CREATE TABLE IF NOT EXISTS grantees (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	approved             INTEGER NOT NULL DEFAULT 0,
	require_confirmation INTEGER,
	duration_hours       INTEGER NOT NULL DEFAULT 24,
	rule_comment         TEXT,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_grantees_rule_comment
	ON grantees(rule_comment) WHERE rule_comment IS NOT NULL;

CREATE TABLE IF NOT EXISTS grantee_identities (
	grantee_id TEXT NOT NULL REFERENCES grantees(id) ON DELETE CASCADE,
	identity   TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (grantee_id, identity)
);

CREATE TABLE IF NOT EXISTS grants (
	id               TEXT PRIMARY KEY,
	grantee_id       TEXT NOT NULL REFERENCES grantees(id),
	identity         TEXT NOT NULL,
	status           TEXT NOT NULL,
	device_conn_id   TEXT,
	rule_ref         TEXT,
	created_at       INTEGER NOT NULL,
	connected_at     INTEGER,
	confirmed_at     INTEGER,
	reminder_sent_at INTEGER,
	expires_at       INTEGER,
	last_seen_at     INTEGER,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_grants_grantee ON grants(grantee_id);
CREATE INDEX IF NOT EXISTS idx_grants_status ON grants(status);
CREATE INDEX IF NOT EXISTS idx_grants_identity ON grants(identity);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	grant_id    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	cause       TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_grant ON audit_events(grant_id);
`

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, func() time.Time { return time.Now().UTC() })
}

// OpenWithClock opens the store with a custom clock (for testing).
func OpenWithClock(path string, now func() time.Time) (*Store, error) {
	if now == nil {
		return nil, fmt.Errorf("store: nil clock")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite handles one writer at a time; serialize at the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// timestamp helpers: times are stored as unix seconds.

func toUnix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}
