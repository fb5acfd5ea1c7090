package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/service"
)

// Sink stores history events in a SQLite database and reads them back.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// serialise writers from concurrent launches
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS service_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			ident TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_history(occurred_at, event, service, kind, ident, state, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Service, string(e.Kind), e.ID, string(e.State), e.Detail)
	return err
}

func (s *Sink) List(ctx context.Context, svc string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT occurred_at, event, service, kind, ident, state, detail FROM service_history`
	args := []any{}
	if svc != "" {
		q += ` WHERE service = ?`
		args = append(args, svc)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e                history.Event
			typ, kind, state string
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Service, &kind, &e.ID, &state, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Kind = service.Kind(kind)
		e.State = service.State(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
