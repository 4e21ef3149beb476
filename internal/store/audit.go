package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditEvent is one recorded lifecycle transition.
type AuditEvent struct {
	ID         int64     `json:"id"`
	GrantID    string    `json:"grant_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Cause      string    `json:"cause"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func appendAudit(tx *sql.Tx, grantID, from, to, cause, detail string, at time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO audit_events (grant_id, from_status, to_status, cause, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		grantID, from, to, cause, detail, toUnix(at))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditForGrant returns the full transition history of one grant,
// oldest first.
func (s *Store) AuditForGrant(grantID string) ([]AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, grant_id, from_status, to_status, cause, detail, created_at
		 FROM audit_events WHERE grant_id = ? ORDER BY id`, grantID)
	if err != nil {
		return nil, fmt.Errorf("audit for grant: %w", err)
	}
	defer rows.Close()
	var events []AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.GrantID, &ev.FromStatus, &ev.ToStatus, &ev.Cause, &ev.Detail, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = fromUnix(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
