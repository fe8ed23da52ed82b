package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveParams upserts the serialized parameter blob for a user. The training
// worker writes here directly so the controlling process never transports
// the blob through a pipe.
func (s *Store) SaveParams(userID string, blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO shgat_params (user_id, params, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET params = excluded.params, updated_at = CURRENT_TIMESTAMP`,
		userID, blob)
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// LoadParams returns the stored blob for a user, with ok=false when none
// exists.
func (s *Store) LoadParams(userID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT params FROM shgat_params WHERE user_id = ?", userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load params: %w", err)
	}
	return blob, true, nil
}
