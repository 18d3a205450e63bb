package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/auth"
)

// AuthStore implements auth.Store. Roles are stored as a
// comma-separated list; the set is tiny and never queried by role.
type AuthStore struct {
	db *sql.DB
}

var _ auth.Store = (*AuthStore)(nil)

func NewAuthStore(db *sql.DB) *AuthStore {
	return &AuthStore{db: db}
}

func (s *AuthStore) GetKey(ctx context.Context, hash string) (*auth.Key, error) {
	row := s.db.QueryRowContext(ctx, selectKey+` WHERE hash = ?`, hash)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	return k, err
}

func (s *AuthStore) ListKeys(ctx context.Context) ([]*auth.Key, error) {
	rows, err := s.db.QueryContext(ctx, selectKey)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list api keys: %w", err)
	}
	defer rows.Close()

	var out []*auth.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *AuthStore) GetIdentity(ctx context.Context, id string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, org_id, agent_id, roles FROM identities WHERE id = ?`, id)

	var ident auth.Identity
	var roles string
	err := row.Scan(&ident.ID, &ident.Name, &ident.OrgID, &ident.AgentID, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get identity: %w", err)
	}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			ident.Roles = append(ident.Roles, auth.Role(r))
		}
	}
	return &ident, nil
}

// PutIdentity upserts an identity row. Used by seeding and the
// hash-key workflow.
func (s *AuthStore) PutIdentity(ctx context.Context, ident *auth.Identity) error {
	roles := make([]string, 0, len(ident.Roles))
	for _, r := range ident.Roles {
		if !r.IsValid() {
			return fmt.Errorf("sqlite: unknown role %q", r)
		}
		roles = append(roles, string(r))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, name, org_id, agent_id, roles)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, org_id = excluded.org_id,
			agent_id = excluded.agent_id, roles = excluded.roles`,
		ident.ID, ident.Name, ident.OrgID, ident.AgentID, strings.Join(roles, ","))
	if err != nil {
		return fmt.Errorf("sqlite: put identity: %w", err)
	}
	return nil
}

// PutKey upserts a key row by hash.
func (s *AuthStore) PutKey(ctx context.Context, k *auth.Key) error {
	var expires any
	if k.ExpiresAt != nil {
		expires = fmtTime(*k.ExpiresAt)
	}
	created := k.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (hash, identity_id, name, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			identity_id = excluded.identity_id, name = excluded.name,
			expires_at = excluded.expires_at, revoked = excluded.revoked`,
		k.Hash, k.IdentityID, k.Name, fmtTime(created), expires, boolInt(k.Revoked))
	if err != nil {
		return fmt.Errorf("sqlite: put api key: %w", err)
	}
	return nil
}

const selectKey = `
	SELECT hash, identity_id, name, created_at, expires_at, revoked
	FROM api_keys`

func scanKey(row rowScanner) (*auth.Key, error) {
	var k auth.Key
	var createdAt string
	var expiresAt sql.NullString
	var revoked int

	err := row.Scan(&k.Hash, &k.IdentityID, &k.Name, &createdAt, &expiresAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan api key: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		k.ExpiresAt = &t
	}
	k.Revoked = revoked != 0
	return &k, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
