package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	logx "chirpwatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS slots (
	key     TEXT PRIMARY KEY,
	item_id TEXT NOT NULL
);
`

// sqliteStore persists each batch in a single transaction. Reads are served
// from an in-memory cache kept in lockstep with the database, so Get stays
// cheap on the sweep hot path.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu      sync.Mutex
	entries map[Key]string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &sqliteStore{db: db, log: log, entries: map[Key]string{}}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) load() error {
	rows, err := s.db.Query(`SELECT key, item_id FROM slots`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ks, id string
		if err := rows.Scan(&ks, &id); err != nil {
			return err
		}
		k, ok := parseKey(ks)
		if !ok {
			s.log.Warn("state row has unrecognized key; dropping", logx.String("key", ks))
			continue
		}
		s.entries[k] = id
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.log.Info("state restored", logx.Int("entries", len(s.entries)), logx.String("driver", "sqlite"))
	return nil
}

func (s *sqliteStore) Get(k Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[k]
	return id, ok
}

func (s *sqliteStore) ApplyBatch(us []Update) error {
	if len(us) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range us {
		s.entries[u.Key] = u.ID
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, u := range us {
		if _, err := tx.Exec(
			`INSERT INTO slots(key, item_id) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET item_id=excluded.item_id`,
			u.Key.String(), u.ID,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteAccount(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for k := range s.entries {
		if k.Account == account {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		delete(s.entries, k)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM slots WHERE key = ?`, k.String()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
