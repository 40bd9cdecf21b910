package node

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS follow_policies (
	nid     TEXT PRIMARY KEY,
	alias   TEXT NOT NULL DEFAULT '',
	blocked INTEGER NOT NULL DEFAULT 0,
	since   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS seed_policies (
	rid   TEXT PRIMARY KEY,
	scope TEXT NOT NULL DEFAULT 'followed'
);

CREATE TABLE IF NOT EXISTS repositories (
	rid        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	delegates  TEXT NOT NULL DEFAULT '[]',
	signature  BLOB,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS announcements (
	rid          TEXT NOT NULL,
	announced_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_announcements_rid ON announcements(rid);
`

func openDB(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("node: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("node: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("node: apply schema: %w", err)
	}
	return conn, nil
}
