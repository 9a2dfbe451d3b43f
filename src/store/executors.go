package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessionfabric/control-plane/src/model"
)

// UpsertExecutor inserts or updates the executor record. Called on every
// hello handshake, which inserts a new executor or refreshes a known one;
// records persist across offline periods (spec.md §3).
func (s *Store) UpsertExecutor(e *model.Executor) error {
	labelsJSON, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO executors (id, name, labels_json, status, version, last_seen, session_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			labels_json = excluded.labels_json,
			status = excluded.status,
			version = excluded.version,
			last_seen = excluded.last_seen,
			session_count = excluded.session_count`,
		e.ID, e.Name, string(labelsJSON), string(e.Status), e.Version, e.LastSeen.UnixMicro(), e.SessionCount)
	if err != nil {
		return fmt.Errorf("upsert executor: %w", err)
	}
	return nil
}

// SetExecutorStatus flips status and stamps last_seen with the current
// time, without touching the rest of the record.
func (s *Store) SetExecutorStatus(id string, status model.ExecutorStatus) error {
	_, err := s.db.Exec(`UPDATE executors SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), time.Now().UnixMicro(), id)
	return err
}

// GetExecutor returns the executor record, or model.ErrNotFound.
func (s *Store) GetExecutor(id string) (*model.Executor, error) {
	row := s.db.QueryRow(`SELECT id, name, labels_json, status, version, last_seen, session_count
		FROM executors WHERE id = ?`, id)
	return scanExecutor(row)
}

func scanExecutor(row *sql.Row) (*model.Executor, error) {
	var e model.Executor
	var labelsJSON, status string
	var lastSeen int64
	err := row.Scan(&e.ID, &e.Name, &labelsJSON, &status, &e.Version, &lastSeen, &e.SessionCount)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan executor: %w", err)
	}
	e.Status = model.ExecutorStatus(status)
	e.LastSeen = time.UnixMicro(lastSeen)
	_ = json.Unmarshal([]byte(labelsJSON), &e.Labels)
	return &e, nil
}

// ListExecutors returns every known executor.
func (s *Store) ListExecutors() ([]*model.Executor, error) {
	rows, err := s.db.Query(`SELECT id, name, labels_json, status, version, last_seen, session_count FROM executors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list executors: %w", err)
	}
	defer rows.Close()

	var out []*model.Executor
	for rows.Next() {
		var e model.Executor
		var labelsJSON, status string
		var lastSeen int64
		if err := rows.Scan(&e.ID, &e.Name, &labelsJSON, &status, &e.Version, &lastSeen, &e.SessionCount); err != nil {
			return nil, fmt.Errorf("scan executor row: %w", err)
		}
		e.Status = model.ExecutorStatus(status)
		e.LastSeen = time.UnixMicro(lastSeen)
		_ = json.Unmarshal([]byte(labelsJSON), &e.Labels)
		out = append(out, &e)
	}
	return out, rows.Err()
}
