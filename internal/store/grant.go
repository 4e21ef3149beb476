package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grant statuses, mirrored here so queries need no import cycle with
// the session package.
const (
	statusRequested    = "requested"
	statusConnected    = "connected"
	statusConfirmed    = "confirmed"
	statusActive       = "active"
	statusReminderSent = "reminder_sent"
	statusExpired      = "expired"
	statusDisconnected = "disconnected"
)

var nonTerminalStatuses = []string{
	statusRequested, statusConnected, statusConfirmed, statusActive, statusReminderSent,
}

var terminalStatuses = []string{statusExpired, statusDisconnected}

// Grant is one persisted access-grant lifecycle.
type Grant struct {
	ID        string `json:"id"`
	GranteeID string `json:"grantee_id"`
	Identity  string `json:"identity"`
	Status    string `json:"status"`

	// DeviceConnID is the device-side connection id, populated once
	// the device first confirms the connection.
	DeviceConnID string `json:"device_conn_id,omitempty"`
	// RuleRef is the device reference of the rule enabled for this
	// grant, recorded so revocation does not depend on a re-lookup.
	RuleRef string `json:"rule_ref,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

const grantColumns = `id, grantee_id, identity, status, device_conn_id, rule_ref,
	created_at, connected_at, confirmed_at, reminder_sent_at, expires_at, last_seen_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g                       Grant
		connID, ruleRef         sql.NullString
		created, updated        int64
		connected, confirmed    sql.NullInt64
		reminder, expires, seen sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.GranteeID, &g.Identity, &g.Status, &connID, &ruleRef,
		&created, &connected, &confirmed, &reminder, &expires, &seen, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	g.DeviceConnID = connID.String
	g.RuleRef = ruleRef.String
	g.CreatedAt = fromUnix(created)
	g.UpdatedAt = fromUnix(updated)
	g.ConnectedAt = fromNullUnix(connected)
	g.ConfirmedAt = fromNullUnix(confirmed)
	g.ReminderSentAt = fromNullUnix(reminder)
	g.ExpiresAt = fromNullUnix(expires)
	g.LastSeenAt = fromNullUnix(seen)
	return &g, nil
}

// CreateGrant persists a new grant in REQUESTED state. Expiry stays
// unset until activation. A grantee holds at most one grant in a
// non-terminal state; violating that fails with ErrGrantOpen before
// anything is written.
func (s *Store) CreateGrant(granteeID, identity string) (*Grant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	defer tx.Rollback()

	var open int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM grants WHERE grantee_id = ? AND status IN `+placeholders(len(nonTerminalStatuses)),
		append([]any{granteeID}, anySlice(nonTerminalStatuses)...)...,
	).Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	if open > 0 {
		return nil, ErrGrantOpen
	}

	now := s.now()
	g := &Grant{
		ID:        uuid.NewString(),
		GranteeID: granteeID,
		Identity:  identity,
		Status:    statusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.Exec(
		`INSERT INTO grants (id, grantee_id, identity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.GranteeID, g.Identity, g.Status, toUnix(now), toUnix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	if err := appendAudit(tx, g.ID, "", statusRequested, "requested", "", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	return g, nil
}

// GetGrant loads one grant.
func (s *Store) GetGrant(id string) (*Grant, error) {
	return scanGrant(s.db.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
}

// OpenGrantForGrantee returns the grantee's current non-terminal grant,
// or ErrNotFound.
func (s *Store) OpenGrantForGrantee(granteeID string) (*Grant, error) {
	return scanGrant(s.db.QueryRow(
		`SELECT `+grantColumns+` FROM grants
		 WHERE grantee_id = ? AND status IN `+placeholders(len(nonTerminalStatuses))+`
		 ORDER BY created_at DESC LIMIT 1`,
		append([]any{granteeID}, anySlice(nonTerminalStatuses)...)...,
	))
}

// GrantsByStatus loads every grant in the given statuses.
func (s *Store) GrantsByStatus(statuses ...string) ([]Grant, error) {
	if len(statuses) == 0 {
		statuses = nonTerminalStatuses
	}
	rows, err := s.db.Query(
		`SELECT `+grantColumns+` FROM grants WHERE status IN `+placeholders(len(statuses))+` ORDER BY created_at`,
		anySlice(statuses)...,
	)
	if err != nil {
		return nil, fmt.Errorf("grants by status: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// OpenGrants loads every non-terminal grant.
func (s *Store) OpenGrants() ([]Grant, error) {
	return s.GrantsByStatus(nonTerminalStatuses...)
}

// LatestGrantForIdentity returns the most recently created grant bound
// to a device identity, whatever its status. Used by anti-flap
// resurrection.
func (s *Store) LatestGrantForIdentity(identity string) (*Grant, error) {
	return scanGrant(s.db.QueryRow(
		`SELECT `+grantColumns+` FROM grants WHERE identity = ?
		 ORDER BY created_at DESC LIMIT 1`, identity))
}

// GrantFilter narrows ListGrants.
type GrantFilter struct {
	Status    string
	GranteeID string
	Limit     int
	Offset    int
}

// ListGrants returns grants with tracked ones first, newest first
// within each group.
func (s *Store) ListGrants(f GrantFilter) ([]Grant, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.GranteeID != "" {
		where = append(where, "grantee_id = ?")
		args = append(args, f.GranteeID)
	}
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.Query(
		`SELECT `+grantColumns+` FROM grants WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY status IN ('`+statusActive+`','`+statusReminderSent+`','`+statusConfirmed+`','`+statusConnected+`') DESC,
		          created_at DESC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

// CountByStatus returns grant counts keyed by status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM grants GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count grants: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ApplyTransition moves a grant to a new status, stamps the lifecycle
// timestamps the new status implies, and records the audit event, all
// in one transaction. Timestamps are only ever set once; expires-at is
// not touched here.
func (s *Store) ApplyTransition(id, toStatus, cause, detail string) (*Grant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}
	defer tx.Rollback()

	g, err := scanGrant(tx.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	now := s.now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{toStatus, toUnix(now)}

	stamp := func(column string, existing *time.Time) {
		if existing == nil {
			sets = append(sets, column+" = ?")
			args = append(args, toUnix(now))
		}
	}
	switch toStatus {
	case statusConnected:
		stamp("connected_at", g.ConnectedAt)
	case statusConfirmed:
		stamp("connected_at", g.ConnectedAt)
		stamp("confirmed_at", g.ConfirmedAt)
	case statusActive:
		stamp("connected_at", g.ConnectedAt)
		stamp("confirmed_at", g.ConfirmedAt)
	case statusReminderSent:
		stamp("reminder_sent_at", g.ReminderSentAt)
	}
	args = append(args, id)
	if _, err := tx.Exec(`UPDATE grants SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}
	if err := appendAudit(tx, id, g.Status, toStatus, cause, detail, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}
	return s.GetGrant(id)
}

// SetDeviceConn records the device-side connection id.
func (s *Store) SetDeviceConn(id, connID string) error {
	return s.updateGrant(id, `device_conn_id = ?`, connID)
}

// SetRuleRef records the device rule enabled for this grant.
func (s *Store) SetRuleRef(id, ruleRef string) error {
	return s.updateGrant(id, `rule_ref = ?`, ruleRef)
}

// TouchSeen marks the identity as just observed alive.
func (s *Store) TouchSeen(id string) error {
	return s.updateGrant(id, `last_seen_at = ?`, toUnix(s.now()))
}

// SetExpiry sets expires-at. Once set it is only moved forward, except
// by explicit retraction elsewhere.
func (s *Store) SetExpiry(id string, expiresAt time.Time) error {
	return s.updateGrant(id, `expires_at = ?`, toUnix(expiresAt))
}

// ClearReminder resets the reminder marker after an extension.
func (s *Store) ClearReminder(id string) error {
	return s.updateGrant(id, `reminder_sent_at = NULL`)
}

func (s *Store) updateGrant(id, setClause string, vals ...any) error {
	args := append(vals, toUnix(s.now()), id)
	res, err := s.db.Exec(`UPDATE grants SET `+setClause+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTerminalBefore removes terminal grants last updated before the
// cutoff; the retention sweep's workhorse.
func (s *Store) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM grants WHERE status IN `+placeholders(len(terminalStatuses))+` AND updated_at < ?`,
		append(anySlice(terminalStatuses), toUnix(cutoff))...,
	)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collectGrants(rows *sql.Rows) ([]Grant, error) {
	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
