package storage

import (
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/security?sslmode=disable"
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{
		db:            db,
		ipColumn:      "host(ip)",
		requestColumn: "request::text",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS anormal_events (
				id BIGSERIAL PRIMARY KEY,
				service_name TEXT NOT NULL,
				ip INET,
				ip_raw TEXT NOT NULL,
				event_type SMALLINT NOT NULL,
				severity SMALLINT NOT NULL CHECK (severity IN (0, 1, 2, 3)),
				description TEXT NOT NULL,
				occurred_at TIMESTAMPTZ NOT NULL,
				request_id TEXT,
				method TEXT,
				path TEXT,
				status_code INTEGER,
				user_agent TEXT,
				request JSONB
			)`,
			`ALTER TABLE anormal_events ADD COLUMN IF NOT EXISTS ip_raw TEXT`,
			`ALTER TABLE anormal_events ALTER COLUMN ip DROP NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_anormal_events_occurred_at ON anormal_events(occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_anormal_events_ip ON anormal_events(ip)`,
		},
	}}, nil
}
