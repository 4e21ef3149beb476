package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grantee is a principal approved (or pending approval) for access.
// RequireConfirmation nil means "use the global default".
type Grantee struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Approved            bool       `json:"approved"`
	RequireConfirmation *bool      `json:"require_confirmation,omitempty"`
	DurationHours       int        `json:"duration_hours"`
	RuleComment         string     `json:"rule_comment,omitempty"`
	Identities          []string   `json:"identities"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CreateGrantee registers a grantee.
func (s *Store) CreateGrantee(name string, approved bool, durationHours int) (*Grantee, error) {
	if name == "" {
		return nil, fmt.Errorf("grantee name required")
	}
	if durationHours <= 0 {
		durationHours = 24
	}
	now := s.now()
	g := &Grantee{
		ID:            uuid.NewString(),
		Name:          name,
		Approved:      approved,
		DurationHours: durationHours,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.Exec(
		`INSERT INTO grantees (id, name, approved, duration_hours, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, boolInt(g.Approved), g.DurationHours, toUnix(now), toUnix(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("grantee %q: name taken", name)
		}
		return nil, fmt.Errorf("create grantee: %w", err)
	}
	return g, nil
}

func (s *Store) scanGrantee(row *sql.Row) (*Grantee, error) {
	var (
		g           Grantee
		approved    int64
		requireConf sql.NullInt64
		ruleComment sql.NullString
		created     int64
		updated     int64
	)
	err := row.Scan(&g.ID, &g.Name, &approved, &requireConf, &g.DurationHours, &ruleComment, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan grantee: %w", err)
	}
	g.Approved = approved != 0
	if requireConf.Valid {
		v := requireConf.Int64 != 0
		g.RequireConfirmation = &v
	}
	g.RuleComment = ruleComment.String
	g.CreatedAt = fromUnix(created)
	g.UpdatedAt = fromUnix(updated)

	rows, err := s.db.Query(
		`SELECT identity FROM grantee_identities WHERE grantee_id = ? ORDER BY created_at`, g.ID)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ident string
		if err := rows.Scan(&ident); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		g.Identities = append(g.Identities, ident)
	}
	return &g, rows.Err()
}

const granteeColumns = `id, name, approved, require_confirmation, duration_hours, rule_comment, created_at, updated_at`

// GetGrantee loads a grantee with its identity bindings.
func (s *Store) GetGrantee(id string) (*Grantee, error) {
	return s.scanGrantee(s.db.QueryRow(
		`SELECT `+granteeColumns+` FROM grantees WHERE id = ?`, id))
}

// GranteeByIdentity resolves the grantee a device identity is bound to.
func (s *Store) GranteeByIdentity(identity string) (*Grantee, error) {
	row := s.db.QueryRow(
		`SELECT `+granteeColumns+` FROM grantees
		 WHERE id = (SELECT grantee_id FROM grantee_identities WHERE identity = ?)`, identity)
	return s.scanGrantee(row)
}

// ListGrantees returns all grantees ordered by name.
func (s *Store) ListGrantees() ([]Grantee, error) {
	rows, err := s.db.Query(`SELECT id FROM grantees ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list grantees: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	grantees := make([]Grantee, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGrantee(id)
		if err != nil {
			return nil, err
		}
		grantees = append(grantees, *g)
	}
	return grantees, nil
}

// SetApproved flips the approval flag.
func (s *Store) SetApproved(id string, approved bool) error {
	return s.updateGrantee(id, `approved = ?`, boolInt(approved))
}

// SetRequireConfirmation sets the per-grantee confirmation override;
// nil clears it so the global default applies again.
func (s *Store) SetRequireConfirmation(id string, v *bool) error {
	var val sql.NullInt64
	if v != nil {
		val = sql.NullInt64{Int64: boolInt(*v), Valid: true}
	}
	return s.updateGrantee(id, `require_confirmation = ?`, val)
}

// SetDurationHours sets the grantee's session duration preference.
func (s *Store) SetDurationHours(id string, hours int) error {
	if hours <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return s.updateGrantee(id, `duration_hours = ?`, hours)
}

// SetRuleComment binds the grantee to a packet-filter rule via its
// free-text comment. The comment is a weak reference with no device
// side integrity, so uniqueness among grantees is enforced here, at
// write time. Empty clears the binding.
func (s *Store) SetRuleComment(id, comment string) error {
	var val sql.NullString
	if comment != "" {
		val = sql.NullString{String: comment, Valid: true}
	}
	err := s.updateGrantee(id, `rule_comment = ?`, val)
	if err != nil && isUniqueViolation(err) {
		return ErrRuleCommentTaken
	}
	return err
}

func (s *Store) updateGrantee(id, setClause string, val any) error {
	res, err := s.db.Exec(
		`UPDATE grantees SET `+setClause+`, updated_at = ? WHERE id = ?`,
		val, toUnix(s.now()), id)
	if err != nil {
		return fmt.Errorf("update grantee: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindIdentity binds a device identity to a grantee. A grantee holds
// at most two bindings and an identity belongs to at most one grantee.
func (s *Store) BindIdentity(granteeID, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity required")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM grantees WHERE id = ?`, granteeID).Scan(&exists); err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM grantee_identities WHERE grantee_id = ?`, granteeID).Scan(&count); err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}
	if count >= maxIdentityBindings {
		return ErrBindingLimit
	}
	_, err = tx.Exec(
		`INSERT INTO grantee_identities (grantee_id, identity, created_at) VALUES (?, ?, ?)`,
		granteeID, identity, toUnix(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdentityBound
		}
		return fmt.Errorf("bind identity: %w", err)
	}
	return tx.Commit()
}

// UnbindIdentity removes an identity binding.
func (s *Store) UnbindIdentity(granteeID, identity string) error {
	res, err := s.db.Exec(
		`DELETE FROM grantee_identities WHERE grantee_id = ? AND identity = ?`,
		granteeID, identity)
	if err != nil {
		return fmt.Errorf("unbind identity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
