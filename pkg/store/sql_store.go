package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	Name     string
	Numbered bool // $1 placeholders instead of ?
	Schema   []string
	// TimeArg converts a timestamp to the driver's bind value.
	TimeArg func(time.Time) any
}

// SQLite stores timestamps as RFC 3339 text.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS workspace_state (
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			workspace_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			doc TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, sequence)
		)`,
	},
	TimeArg: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

// Postgres keeps documents as JSONB.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS workspace_state (
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			workspace_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			doc JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, sequence)
		)`,
	},
	TimeArg: func(t time.Time) any { return t.UTC() },
}

// SQLStore is a StateStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// OpenSQLite opens (creating if needed) a SQLite database and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to DATABASE_URL and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, workspaceID string) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT kind, doc, updated_at FROM workspace_state WHERE workspace_id = ?`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	defer func() { _ = rows.Close() }()

	snap := NewSnapshot()
	found := false
	for rows.Next() {
		var (
			kind    string
			doc     []byte
			updated any
		)
		if err := rows.Scan(&kind, &doc, &updated); err != nil {
			return nil, err
		}
		found = true
		snap.Documents[kind] = append(json.RawMessage(nil), doc...)
		if t := parseTime(updated); t.After(snap.UpdatedAt) {
			snap.UpdatedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSnapshotNotFound
	}
	return snap, nil
}

// Save upserts every document of snap in one transaction.
func (s *SQLStore) Save(ctx context.Context, workspaceID string, snap *Snapshot) error {
	kinds := make([]string, 0, len(snap.Documents))
	for kind := range snap.Documents {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save workspace %s: %w", workspaceID, err)
	}
	query := s.bind(`INSERT INTO workspace_state (workspace_id, kind, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, kind) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`)
	for _, kind := range kinds {
		if _, err := tx.ExecContext(ctx, query, workspaceID, kind, string(snap.Documents[kind]), s.dialect.TimeArg(snap.UpdatedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save %s/%s: %w", workspaceID, kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workspace %s: %w", workspaceID, err)
	}
	return nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, workspaceID string, ev audit.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.bind(`INSERT INTO audit_events (workspace_id, sequence, event_id, hash, doc, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`),
		workspaceID, int64(ev.Sequence), ev.ID, ev.Hash, string(doc), s.dialect.TimeArg(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", ev.ID, err)
	}
	return nil
}

// AuditEvents returns the stored events in sequence order.
func (s *SQLStore) AuditEvents(ctx context.Context, workspaceID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT doc FROM audit_events WHERE workspace_id = ? ORDER BY sequence ASC`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load audit events %s: %w", workspaceID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ev audit.Event
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM workspace_state ORDER BY workspace_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }

// bind rewrites ? placeholders for dialects using numbered parameters.
func (s *SQLStore) bind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case []byte:
		return parseTime(string(t))
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}
