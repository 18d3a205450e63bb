package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/vault"
)

// SecretStore implements vault.Store. Rows hold ciphertext only; the
// vault layer owns the keys.
type SecretStore struct {
	db *sql.DB
}

var _ vault.Store = (*SecretStore)(nil)

func NewSecretStore(db *sql.DB) *SecretStore {
	return &SecretStore{db: db}
}

func (s *SecretStore) Put(ctx context.Context, orgID, key string, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (org_id, key, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (org_id, key)
		DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		orgID, key, ciphertext, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: put secret: %w", err)
	}
	return nil
}

func (s *SecretStore) Get(ctx context.Context, orgID, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM secrets WHERE org_id = ? AND key = ?`,
		orgID, key)

	var ciphertext []byte
	if err := row.Scan(&ciphertext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get secret: %w", err)
	}
	return ciphertext, nil
}

func (s *SecretStore) Delete(ctx context.Context, orgID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM secrets WHERE org_id = ? AND key = ?`, orgID, key)
	if err != nil {
		return fmt.Errorf("sqlite: delete secret: %w", err)
	}
	return nil
}

func (s *SecretStore) List(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM secrets WHERE org_id = ? ORDER BY key`, orgID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list secrets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: scan secret key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
