// Package store persists event log snapshots in a SQL database. SQLite
// (modernc.org/sqlite, no cgo) is the default; Postgres is reached through
// lib/pq. Each Save replaces the stored log in one transaction, and Load
// returns only snapshots that verify.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

// ErrEmpty is returned by Load when nothing has been saved yet.
var ErrEmpty = errors.New("store: no snapshot saved")

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the STORE_DRIVER values.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("store: unsupported driver %q", s)
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS log_events (
	sequence_index INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	causal_ticket_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS log_rollback_points (
	id TEXT PRIMARY KEY,
	recorded_length INTEGER NOT NULL,
	description TEXT NOT NULL,
	snapshot TEXT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS log_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const metaLogHash = "log_hash"

// SnapshotStore saves and loads the whole log.
type SnapshotStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSnapshotStore wraps an open database. Call Migrate before first use.
func NewSnapshotStore(db *sql.DB, dialect Dialect) *SnapshotStore {
	return &SnapshotStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store"),
	}
}

// Open connects with the dialect's driver and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SnapshotStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	s := NewSnapshotStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SnapshotStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored log with snap. A snapshot that does not verify
// is refused before the database is touched.
func (s *SnapshotStore) Save(ctx context.Context, snap eventlog.Snapshot) error {
	if err := eventlog.VerifySnapshot(snap); err != nil {
		return fmt.Errorf("store: refusing to save: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"log_events", "log_rollback_points", "log_meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}

	insertEvent := s.dialect.rebind(`INSERT INTO log_events
		(sequence_index, kind, causal_ticket_id, timestamp, payload, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, e := range snap.Events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("store: event %d payload: %w", e.Sequence, err)
		}
		if _, err := tx.ExecContext(ctx, insertEvent,
			e.Sequence, string(e.Kind), e.TicketID,
			e.Timestamp.UTC().Format(time.RFC3339Nano), string(payload), e.ContentHash,
		); err != nil {
			return fmt.Errorf("store: insert event %d: %w", e.Sequence, err)
		}
	}

	insertPoint := s.dialect.rebind(`INSERT INTO log_rollback_points
		(id, recorded_length, description, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	for _, p := range snap.RollbackPoints {
		var blob sql.NullString
		if p.Snapshot != nil {
			raw, err := json.Marshal(p.Snapshot)
			if err != nil {
				return fmt.Errorf("store: rollback point %q snapshot: %w", p.ID, err)
			}
			blob = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertPoint,
			p.ID, p.Length, p.Description, blob, p.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("store: insert rollback point %q: %w", p.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO log_meta (key, value) VALUES (?, ?)`),
		metaLogHash, snap.LogHash); err != nil {
		return fmt.Errorf("store: write log hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	s.logger.InfoContext(ctx, "snapshot saved",
		"events", len(snap.Events),
		"rollback_points", len(snap.RollbackPoints),
		"log_hash", snap.LogHash,
	)
	return nil
}

// Load reads the stored log and verifies it. A database edited outside
// Save fails with eventlog.ErrIntegrityViolation.
func (s *SnapshotStore) Load(ctx context.Context) (eventlog.Snapshot, error) {
	var snap eventlog.Snapshot

	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM log_meta WHERE key = ?`), metaLogHash).
		Scan(&snap.LogHash)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Snapshot{}, ErrEmpty
	}
	if err != nil {
		return eventlog.Snapshot{}, fmt.Errorf("store: read log hash: %w", err)
	}

	if snap.Events, err = s.loadEvents(ctx); err != nil {
		return eventlog.Snapshot{}, err
	}
	if snap.RollbackPoints, err = s.loadRollbackPoints(ctx); err != nil {
		return eventlog.Snapshot{}, err
	}
	if err := eventlog.VerifySnapshot(snap); err != nil {
		return eventlog.Snapshot{}, fmt.Errorf("store: %w", err)
	}
	return snap, nil
}

func (s *SnapshotStore) loadEvents(ctx context.Context) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence_index, kind, causal_ticket_id, timestamp, payload, content_hash
		FROM log_events ORDER BY sequence_index`)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []eventlog.Event{}
	for rows.Next() {
		var (
			e       eventlog.Event
			kind    string
			ts      string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &kind, &e.TicketID, &ts, &payload, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Kind = eventlog.Kind(kind)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("store: event %d timestamp: %w", e.Sequence, err)
		}
		if err := decodeJSON(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("store: event %d payload: %w", e.Sequence, err)
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SnapshotStore) loadRollbackPoints(ctx context.Context) ([]eventlog.RollbackPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recorded_length, description, snapshot, created_at
		FROM log_rollback_points ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query rollback points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	points := []eventlog.RollbackPoint{}
	for rows.Next() {
		var (
			p       eventlog.RollbackPoint
			blob    sql.NullString
			created string
		)
		if err := rows.Scan(&p.ID, &p.Length, &p.Description, &blob, &created); err != nil {
			return nil, fmt.Errorf("store: scan rollback point: %w", err)
		}
		if blob.Valid {
			if err := decodeJSON(blob.String, &p.Snapshot); err != nil {
				return nil, fmt.Errorf("store: rollback point %q snapshot: %w", p.ID, err)
			}
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("store: rollback point %q created_at: %w", p.ID, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}
