package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every index in one table keyed by (index_id, key).
type SQLiteStore struct {
	bindings
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLiteStore(dir string, syncWrites bool) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	query := `
	CREATE TABLE IF NOT EXISTS index_keys (
		index_id INTEGER NOT NULL,
		key      BLOB    NOT NULL,
		ids      BLOB    NOT NULL,
		PRIMARY KEY (index_id, key)
	) WITHOUT ROWID;`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("init table: %w", err)
	}

	syncMode := "OFF"
	if syncWrites {
		syncMode = "NORMAL"
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = " + syncMode} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	return &SQLiteStore{bindings: newBindings(), db: db}, nil
}

func (s *SQLiteStore) Bind(ix *index.Index) error {
	s.add(ix)
	return nil
}

func (s *SQLiteStore) Write(ix *index.Index, key []byte, ids *idset.IDSet) error {
	if err := s.check(ix); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	var prev []byte
	err = tx.QueryRow("SELECT ids FROM index_keys WHERE index_id = ? AND key = ?", int64(ix.ID()), key).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return err
	}

	val, err := mergeEncoded(ix, prev, ids)
	if err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO index_keys (index_id, key, ids) VALUES (?, ?, ?)", int64(ix.ID()), key, val); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error) {
	if err := s.check(ix); err != nil {
		return nil, false, err
	}
	var val []byte
	err := s.db.QueryRow("SELECT ids FROM index_keys WHERE index_id = ? AND key = ?", int64(ix.ID()), key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ids, err := decodeValue(val)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// Count returns the number of keys stored for ix.
func (s *SQLiteStore) Count(ix *index.Index) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM index_keys WHERE index_id = ?", int64(ix.ID())).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
