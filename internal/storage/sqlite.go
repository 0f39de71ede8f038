package storage

import (
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:reqguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection so in-memory databases are shared by all queries
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db:            db,
		ipColumn:      "ip",
		requestColumn: "request",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS anormal_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				service_name TEXT NOT NULL,
				ip TEXT,
				ip_raw TEXT NOT NULL,
				event_type INTEGER NOT NULL,
				severity INTEGER NOT NULL CHECK (severity IN (0, 1, 2, 3)),
				description TEXT NOT NULL,
				occurred_at DATETIME NOT NULL,
				request_id TEXT,
				method TEXT,
				path TEXT,
				status_code INTEGER,
				user_agent TEXT,
				request TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_anormal_events_occurred_at ON anormal_events(occurred_at)`,
		},
	}}, nil
}
