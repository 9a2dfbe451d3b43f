package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sessionfabric/control-plane/src/model"
)

// CreateExecutorKey persists an issued key. The plaintext token itself is
// never stored — only HashedToken, set by the caller via bcrypt.
func (s *Store) CreateExecutorKey(k *model.ExecutorKey) error {
	var expiresAt sql.NullInt64
	if k.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: k.ExpiresAt.UnixMicro(), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO executor_keys (id, owner_id, name, prefix, hashed_token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.OwnerID, k.Name, k.Prefix, k.HashedToken, k.CreatedAt.UnixMicro(), expiresAt)
	if err != nil {
		return fmt.Errorf("create executor key: %w", err)
	}
	return nil
}

// ListExecutorKeys returns every key owned by ownerID (hashes included;
// the HTTP layer never re-serializes HashedToken to the client).
func (s *Store) ListExecutorKeys(ownerID string) ([]*model.ExecutorKey, error) {
	rows, err := s.db.Query(`SELECT id, owner_id, name, prefix, hashed_token, created_at, expires_at
		FROM executor_keys WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list executor keys: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutorKey
	for rows.Next() {
		k, err := scanExecutorKeyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListAllExecutorKeys returns every key regardless of owner, used by the
// registry to authenticate an incoming control-connection token against
// whichever owner issued it.
func (s *Store) ListAllExecutorKeys() ([]*model.ExecutorKey, error) {
	rows, err := s.db.Query(`SELECT id, owner_id, name, prefix, hashed_token, created_at, expires_at FROM executor_keys`)
	if err != nil {
		return nil, fmt.Errorf("list all executor keys: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutorKey
	for rows.Next() {
		k, err := scanExecutorKeyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutorKeyRow(row rowScanner) (*model.ExecutorKey, error) {
	var k model.ExecutorKey
	var createdAt int64
	var expiresAt sql.NullInt64
	if err := row.Scan(&k.ID, &k.OwnerID, &k.Name, &k.Prefix, &k.HashedToken, &createdAt, &expiresAt); err != nil {
		return nil, fmt.Errorf("scan executor key: %w", err)
	}
	k.CreatedAt = time.UnixMicro(createdAt)
	if expiresAt.Valid {
		t := time.UnixMicro(expiresAt.Int64)
		k.ExpiresAt = &t
	}
	return &k, nil
}

// DeleteExecutorKey revokes a key, scoped to ownerID so one owner cannot
// revoke another's key.
func (s *Store) DeleteExecutorKey(ownerID, id string) error {
	res, err := s.db.Exec(`DELETE FROM executor_keys WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete executor key: %w", err)
	}
	return requireRowsAffected(res)
}
