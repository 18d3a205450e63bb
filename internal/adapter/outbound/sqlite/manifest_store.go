package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// ManifestStore reads and administers policy manifests. The gateway
// only calls GetActive; Create and Activate serve the admin surface
// and seeding.
type ManifestStore struct {
	db *sql.DB
}

var _ manifest.Store = (*ManifestStore)(nil)

func NewManifestStore(db *sql.DB) *ManifestStore {
	return &ManifestStore{db: db}
}

// GetActive returns the single ACTIVE manifest for (orgID, uapkID).
// PENDING and INACTIVE rows are invisible here by construction.
func (s *ManifestStore) GetActive(ctx context.Context, orgID, uapkID string) (*manifest.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, content, created_at
		FROM manifests
		WHERE org_id = ? AND uapk_id = ? AND status = 'ACTIVE'`,
		orgID, uapkID)

	var version int
	var content, createdAt string
	if err := row.Scan(&version, &content, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, manifest.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: load manifest: %w", err)
	}

	parsed, hash, err := manifest.ParseContent([]byte(content))
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, createdAt)
	return &manifest.Manifest{
		OrgID:       orgID,
		UAPKID:      uapkID,
		Version:     version,
		Status:      manifest.StatusActive,
		Content:     parsed,
		ContentHash: hash,
		CreatedAt:   created,
	}, nil
}

// Create inserts a manifest row with the given status. Content must be
// valid: it is parsed (and its hash computed) before anything is
// written.
func (s *ManifestStore) Create(ctx context.Context, orgID, uapkID string, version int, status manifest.Status, content []byte) error {
	_, hash, err := manifest.ParseContent(content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifests (org_id, uapk_id, version, status, content, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orgID, uapkID, version, string(status), string(content), hash,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: create manifest: %w", err)
	}
	return nil
}

// Activate promotes one version to ACTIVE and demotes the incumbent in
// the same transaction, preserving the one-ACTIVE invariant at every
// point in time.
func (s *ManifestStore) Activate(ctx context.Context, orgID, uapkID string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin activation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE manifests SET status = 'INACTIVE'
		WHERE org_id = ? AND uapk_id = ? AND status = 'ACTIVE'`,
		orgID, uapkID); err != nil {
		return fmt.Errorf("sqlite: demote manifest: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE manifests SET status = 'ACTIVE'
		WHERE org_id = ? AND uapk_id = ? AND version = ?`,
		orgID, uapkID, version)
	if err != nil {
		return fmt.Errorf("sqlite: promote manifest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: promote manifest: %w", err)
	}
	if n != 1 {
		return manifest.ErrNotFound
	}
	return tx.Commit()
}
