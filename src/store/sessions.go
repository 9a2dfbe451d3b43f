package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sessionfabric/control-plane/src/model"
)

// CreateSession inserts a new session record, failing with
// model.ErrNameTaken if the name already exists (spec.md §4.2).
func (s *Store) CreateSession(rec *model.Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions
		(name, description, mode, command, executor_id, owner_id, parent_name, job_prompt, order_index, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Description, string(rec.Mode), rec.Command, rec.ExecutorID, rec.OwnerID,
		rec.ParentName, rec.JobPrompt, rec.OrderIndex, rec.CreatedAt.UnixMicro(), rec.LastActivity.UnixMicro())
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrNameTaken
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session owned by ownerID, or model.ErrNotFound if
// it does not exist or belongs to someone else — cross-owner access never
// discloses existence (spec.md §3 Ownership).
func (s *Store) GetSession(ownerID, name string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT name, description, mode, command, executor_id, owner_id, parent_name, job_prompt, order_index, created_at, last_activity
		FROM sessions WHERE name = ? AND owner_id = ?`, name, ownerID)
	return scanSession(row)
}

// GetSessionAnyOwner looks up a session regardless of owner, for internal
// use by the registry/agent reconciliation paths that operate across the
// whole namespace.
func (s *Store) GetSessionAnyOwner(name string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT name, description, mode, command, executor_id, owner_id, parent_name, job_prompt, order_index, created_at, last_activity
		FROM sessions WHERE name = ?`, name)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var rec model.Session
	var mode, parent, jobPrompt sql.NullString
	var createdAt, lastActivity int64
	err := row.Scan(&rec.Name, &rec.Description, &mode, &rec.Command, &rec.ExecutorID, &rec.OwnerID,
		&parent, &jobPrompt, &rec.OrderIndex, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.Mode = model.Mode(mode.String)
	if parent.Valid {
		v := parent.String
		rec.ParentName = &v
	}
	if jobPrompt.Valid {
		v := jobPrompt.String
		rec.JobPrompt = &v
	}
	rec.CreatedAt = time.UnixMicro(createdAt)
	rec.LastActivity = time.UnixMicro(lastActivity)
	return &rec, nil
}

// ListSessions returns sessions owned by ownerID ordered by order_index
// ascending (spec.md §4.2).
func (s *Store) ListSessions(ownerID string) ([]*model.Session, error) {
	rows, err := s.db.Query(`SELECT name, description, mode, command, executor_id, owner_id, parent_name, job_prompt, order_index, created_at, last_activity
		FROM sessions WHERE owner_id = ? ORDER BY order_index ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var rec model.Session
		var mode, parent, jobPrompt sql.NullString
		var createdAt, lastActivity int64
		if err := rows.Scan(&rec.Name, &rec.Description, &mode, &rec.Command, &rec.ExecutorID, &rec.OwnerID,
			&parent, &jobPrompt, &rec.OrderIndex, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.Mode = model.Mode(mode.String)
		if parent.Valid {
			v := parent.String
			rec.ParentName = &v
		}
		if jobPrompt.Valid {
			v := jobPrompt.String
			rec.JobPrompt = &v
		}
		rec.CreatedAt = time.UnixMicro(createdAt)
		rec.LastActivity = time.UnixMicro(lastActivity)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListAllSessions enumerates every session regardless of owner.
func (s *Store) ListAllSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(`SELECT name, description, mode, command, executor_id, owner_id, parent_name, job_prompt, order_index, created_at, last_activity
		FROM sessions ORDER BY order_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		var rec model.Session
		var mode, parent, jobPrompt sql.NullString
		var createdAt, lastActivity int64
		if err := rows.Scan(&rec.Name, &rec.Description, &mode, &rec.Command, &rec.ExecutorID, &rec.OwnerID,
			&parent, &jobPrompt, &rec.OrderIndex, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.Mode = model.Mode(mode.String)
		if parent.Valid {
			v := parent.String
			rec.ParentName = &v
		}
		if jobPrompt.Valid {
			v := jobPrompt.String
			rec.JobPrompt = &v
		}
		rec.CreatedAt = time.UnixMicro(createdAt)
		rec.LastActivity = time.UnixMicro(lastActivity)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// TouchSession updates last_activity to now.
func (s *Store) TouchSession(name string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE name = ?`, time.Now().UnixMicro(), name)
	return err
}

// UpdateSessionMeta updates the description, mutable only by the Session
// Manager (spec.md §3 Invariants).
func (s *Store) UpdateSessionMeta(ownerID, name, description string) error {
	res, err := s.db.Exec(`UPDATE sessions SET description = ? WHERE name = ? AND owner_id = ?`, description, name, ownerID)
	if err != nil {
		return fmt.Errorf("update session meta: %w", err)
	}
	return requireRowsAffected(res)
}

// DeleteSession removes a session record and, inside the same transaction,
// any executor_keys or config rows scoped to it — there are none today
// (config/keys are owner-scoped, not session-scoped) but the transaction
// boundary is kept so a future session-scoped row type is covered for free.
func (s *Store) DeleteSession(ownerID, name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE name = ? AND owner_id = ?`, name, ownerID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// Reorder moves the listed names that exist and are owned by ownerID to
// the front, in the given order, ignoring unknown names. Names not listed
// follow in their previous relative order, and every order_index is then
// renumbered densely from 0 (spec.md §4.2).
func (s *Store) Reorder(ownerID string, names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	// The listed names first get negative indices so they sort ahead of the
	// unlisted sessions, which keep their relative order, then the whole
	// set is renumbered densely from 0.
	for i, name := range names {
		if _, err := tx.Exec(`UPDATE sessions SET order_index = ? WHERE name = ? AND owner_id = ?`, -(int64(len(names)) - int64(i)), name, ownerID); err != nil {
			return fmt.Errorf("reorder %s: %w", name, err)
		}
	}

	rows, err := tx.Query(`SELECT name FROM sessions WHERE owner_id = ? ORDER BY order_index ASC`, ownerID)
	if err != nil {
		return fmt.Errorf("reorder read back: %w", err)
	}
	var all []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		all = append(all, n)
	}
	rows.Close()

	for i, name := range all {
		if _, err := tx.Exec(`UPDATE sessions SET order_index = ? WHERE name = ? AND owner_id = ?`, int64(i), name, ownerID); err != nil {
			return fmt.Errorf("renumber %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// NextOrderIndex returns the order_index a newly created session should
// take (appended to the end of ownerID's list).
func (s *Store) NextOrderIndex(ownerID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(order_index) FROM sessions WHERE owner_id = ?`, ownerID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next order index: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces "UNIQUE constraint failed" in the error
	// text rather than a typed error; string matching is the only portable
	// option across the sqlite drivers in the pack.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
