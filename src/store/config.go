package store

import "fmt"

// GetAllConfig returns every (key, value) pair set for ownerID.
func (s *Store) GetAllConfig(ownerID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get all config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetConfig upserts a single (owner, key) -> value pair. Key validation
// against model.RecognizedConfigKeys happens at the HTTP layer.
func (s *Store) SetConfig(ownerID, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO config (owner_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value`, ownerID, key, value)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}
