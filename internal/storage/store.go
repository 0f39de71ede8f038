package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"reqguard/internal/config"
	"reqguard/internal/model"
)

// Store persists security events into the anormal_events table.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvent(ctx context.Context, ev model.SecurityEvent) error
	RecentEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

const insertEvent = `INSERT INTO anormal_events
	(service_name, ip, ip_raw, event_type, severity, description, occurred_at,
	 request_id, method, path, status_code, user_agent, request)
	VALUES (:service_name, :ip, :ip_raw, :event_type, :severity, :description, :occurred_at,
	 :request_id, :method, :path, :status_code, :user_agent, :request)`

type baseStore struct {
	db *sqlx.DB
	// ipColumn and requestColumn select the text form of dialect-typed
	// columns. ip holds parseable addresses only; ip_raw keeps the value as
	// received.
	ipColumn      string
	requestColumn string
	schema        []string
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveEvent(ctx context.Context, ev model.SecurityEvent) error {
	if _, err := b.db.NamedExecContext(ctx, insertEvent, rowFromEvent(ev)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (b *baseStore) RecentEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := b.db.Rebind(fmt.Sprintf(`SELECT service_name, %s AS ip, ip_raw, event_type, severity, description,
		occurred_at, request_id, method, path, status_code, user_agent, %s AS request
		FROM anormal_events ORDER BY occurred_at DESC, id DESC LIMIT ?`, b.ipColumn, b.requestColumn))
	var rows []eventRow
	if err := b.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	out := make([]model.SecurityEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

type eventRow struct {
	ServiceName string         `db:"service_name"`
	IP          sql.NullString `db:"ip"`
	IPRaw       sql.NullString `db:"ip_raw"`
	EventType   int            `db:"event_type"`
	Severity    int            `db:"severity"`
	Description string         `db:"description"`
	OccurredAt  time.Time      `db:"occurred_at"`
	RequestID   sql.NullString `db:"request_id"`
	Method      sql.NullString `db:"method"`
	Path        sql.NullString `db:"path"`
	StatusCode  sql.NullInt64  `db:"status_code"`
	UserAgent   sql.NullString `db:"user_agent"`
	Request     sql.NullString `db:"request"`
}

func rowFromEvent(ev model.SecurityEvent) eventRow {
	return eventRow{
		ServiceName: ev.ServiceName,
		IP:          addrColumn(ev.IP),
		IPRaw:       sql.NullString{String: ev.IP, Valid: true},
		EventType:   int(ev.EventType),
		Severity:    int(ev.Severity),
		Description: ev.Description,
		OccurredAt:  ev.OccurredAt.UTC(),
		RequestID:   nullString(ev.RequestID),
		Method:      nullString(ev.Method),
		Path:        nullString(ev.Path),
		StatusCode:  sql.NullInt64{Int64: int64(ev.StatusCode), Valid: ev.StatusCode != 0},
		UserAgent:   nullString(ev.UserAgent),
		Request:     sql.NullString{String: string(ev.Request), Valid: len(ev.Request) > 0},
	}
}

func (r eventRow) event() model.SecurityEvent {
	ev := model.SecurityEvent{
		ServiceName: r.ServiceName,
		IP:          r.IPRaw.String,
		EventType:   model.EventType(r.EventType),
		Severity:    model.Severity(r.Severity),
		Description: r.Description,
		OccurredAt:  r.OccurredAt.UTC(),
		RequestID:   r.RequestID.String,
		Method:      r.Method.String,
		Path:        r.Path.String,
		StatusCode:  int(r.StatusCode.Int64),
		UserAgent:   r.UserAgent.String,
	}
	if !r.IPRaw.Valid {
		ev.IP = r.IP.String
	}
	if r.Request.Valid && json.Valid([]byte(r.Request.String)) {
		ev.Request = json.RawMessage(r.Request.String)
	}
	return ev
}

// addrColumn is NULL for values an INET column would reject, such as the
// "unknown" sentinel, unparsable forwarded headers and zoned addresses.
func addrColumn(ip string) sql.NullString {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Zone() != "" {
		return sql.NullString{}
	}
	return sql.NullString{String: addr.Unmap().String(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
