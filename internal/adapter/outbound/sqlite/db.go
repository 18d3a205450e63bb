// Package sqlite persists gateway state in a single SQLite database.
// All cross-request atomicity relies on single-statement conditional
// updates; the adapter never holds application locks around writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS manifests (
	org_id       TEXT NOT NULL,
	uapk_id      TEXT NOT NULL,
	version      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (org_id, uapk_id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS manifests_one_active
	ON manifests (org_id, uapk_id) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS approvals (
	approval_id             TEXT PRIMARY KEY,
	org_id                  TEXT NOT NULL,
	uapk_id                 TEXT NOT NULL,
	agent_id                TEXT NOT NULL,
	action_json             TEXT NOT NULL,
	action_hash             TEXT NOT NULL,
	status                  TEXT NOT NULL,
	created_at              TEXT NOT NULL,
	expires_at              TEXT NOT NULL,
	decided_at              TEXT,
	decided_by              TEXT,
	consumed_at             TEXT,
	consumed_interaction_id TEXT,
	override_token_hash     TEXT
);
CREATE INDEX IF NOT EXISTS approvals_org_status
	ON approvals (org_id, status, created_at);
CREATE INDEX IF NOT EXISTS approvals_action
	ON approvals (org_id, uapk_id, agent_id, action_hash, status);

CREATE TABLE IF NOT EXISTS interaction_records (
	record_id            TEXT PRIMARY KEY,
	org_id               TEXT NOT NULL,
	uapk_id              TEXT NOT NULL,
	agent_id             TEXT NOT NULL,
	payload              TEXT NOT NULL,
	previous_record_hash TEXT NOT NULL,
	record_hash          TEXT NOT NULL,
	gateway_signature    TEXT NOT NULL,
	created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS records_chain
	ON interaction_records (org_id, uapk_id, created_at);

CREATE TABLE IF NOT EXISTS action_counters (
	org_id  TEXT NOT NULL,
	uapk_id TEXT NOT NULL,
	day     TEXT NOT NULL,
	count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, uapk_id, day)
);

CREATE TABLE IF NOT EXISTS secrets (
	org_id     TEXT NOT NULL,
	key        TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (org_id, key)
);

CREATE TABLE IF NOT EXISTS identities (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	org_id   TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	roles    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	hash        TEXT PRIMARY KEY,
	identity_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	expires_at  TEXT,
	revoked     INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (and creates, if needed) the gateway database at dsn and
// applies the schema. WAL keeps readers off the writers' lock;
// busy_timeout covers the brief write contention that remains.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}
