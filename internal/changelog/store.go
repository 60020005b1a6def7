package changelog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/objwatch/objwatch/internal/observe"
)

//go:embed schema.sql
var schemaSQL string

// Store is the append-only change log. It implements observe.Sink.
type Store struct {
	db *sql.DB
}

var _ observe.Sink = (*Store)(nil)

// Entry is one persisted change record, read back from the log.
type Entry struct {
	ID       int64          `json:"id"`
	Tick     int64          `json:"tick"`
	RecordID string         `json:"record_id"`
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	OldValue any            `json:"oldValue,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Open creates or opens the change log database at path.
//
// The connection is configured for SQLite's single-writer model:
// WAL mode, NORMAL synchronous, a 5-second busy timeout, and a single
// open connection. Safe to call on an existing log; the schema is
// applied idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to change log: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists one batch of change records for a record, in order.
// Implements observe.Sink. The batch is written in a single transaction
// so a crash never leaves half a tick's output in the log.
func (s *Store) Append(tick int64, recordID string, records []observe.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO changes (tick, record_id, type, name, old_value, extra) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare append: %w", err)
	}
	defer stmt.Close()

	for _, cr := range records {
		name := sql.NullString{String: cr.Name, Valid: cr.Name != ""}
		oldValue, err := marshalNullable(cr.OldValue)
		if err != nil {
			return fmt.Errorf("failed to encode old value: %w", err)
		}
		var extra any = nil
		if cr.Extra != nil {
			b, err := json.Marshal(cr.Extra)
			if err != nil {
				return fmt.Errorf("failed to encode extra fields: %w", err)
			}
			extra = string(b)
		}
		if _, err := stmt.ExecContext(ctx, tick, recordID, cr.Type, name, oldValue, extra); err != nil {
			return fmt.Errorf("failed to append change record: %w", err)
		}
	}
	return tx.Commit()
}

// ReadAll returns every entry in the log, oldest first.
func (s *Store) ReadAll(ctx context.Context) ([]Entry, error) {
	return s.read(ctx,
		`SELECT id, tick, record_id, type, name, old_value, extra FROM changes ORDER BY id ASC`)
}

// ReadRecord returns every entry attributed to recordID, oldest first.
func (s *Store) ReadRecord(ctx context.Context, recordID string) ([]Entry, error) {
	return s.read(ctx,
		`SELECT id, tick, record_id, type, name, old_value, extra FROM changes WHERE record_id = ? ORDER BY id ASC`,
		recordID)
}

func (s *Store) read(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading change log: %w", err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var name, oldValue, extra sql.NullString
	if err := rows.Scan(&e.ID, &e.Tick, &e.RecordID, &e.Type, &name, &oldValue, &extra); err != nil {
		return Entry{}, fmt.Errorf("failed to scan change log entry: %w", err)
	}
	e.Name = name.String
	if oldValue.Valid {
		if err := json.Unmarshal([]byte(oldValue.String), &e.OldValue); err != nil {
			return Entry{}, fmt.Errorf("failed to decode old value: %w", err)
		}
	}
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &e.Extra); err != nil {
			return Entry{}, fmt.Errorf("failed to decode extra fields: %w", err)
		}
	}
	return e, nil
}

// marshalNullable encodes v as JSON, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
