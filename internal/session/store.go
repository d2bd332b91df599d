package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/example/design-assistant/internal/models"
)

// openDB is swapped in tests.
var openDB = sql.Open

// State is the persisted view of the tab list: everything needed to
// rebuild the tab bar after a restart. Pending confirmations are never
// part of it.
type State struct {
	Tabs        []models.Tab   `json:"tabs"`
	ActiveTabID string         `json:"active_tab_id"`
	DaySeq      map[string]int `json:"day_seq"`
}

// Store saves and restores State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}

// SQLiteStore keeps tab state in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("session: create state dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: pragma %q: %w", p, err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tabs (
			id       TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			data     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Load returns the saved state, or an empty State when nothing was saved.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	st := State{DaySeq: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tabs ORDER BY position`)
	if err != nil {
		return st, fmt.Errorf("session: load tabs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return st, fmt.Errorf("session: scan tab: %w", err)
		}
		var tab models.Tab
		if err := json.Unmarshal([]byte(data), &tab); err != nil {
			return st, fmt.Errorf("session: decode tab: %w", err)
		}
		st.Tabs = append(st.Tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	var active, seq string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'active_tab'`).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("session: load active tab: %w", err)
	}
	st.ActiveTabID = active
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'day_seq'`).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("session: load day sequence: %w", err)
	}
	if seq != "" {
		if err := json.Unmarshal([]byte(seq), &st.DaySeq); err != nil {
			return st, fmt.Errorf("session: decode day sequence: %w", err)
		}
	}
	return st, nil
}

// Save replaces the stored state in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, st State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs`); err != nil {
		return fmt.Errorf("session: clear tabs: %w", err)
	}
	for i, tab := range st.Tabs {
		tab.Pending = nil
		b, err := json.Marshal(tab)
		if err != nil {
			return fmt.Errorf("session: encode tab: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tabs (id, position, data) VALUES (?, ?, ?)`, tab.ID, i, string(b)); err != nil {
			return fmt.Errorf("session: save tab: %w", err)
		}
	}
	seq, err := json.Marshal(st.DaySeq)
	if err != nil {
		return err
	}
	for k, v := range map[string]string{"active_tab": st.ActiveTabID, "day_seq": string(seq)} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("session: save %s: %w", k, err)
		}
	}
	return tx.Commit()
}
