/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteStore keeps session state in a single-table sqlite database so a
// restarted instance picks its sessions back up. Change notifications stay
// in process; a database shared between instances will not fan out.
type sqliteStore struct {
	db       *sql.DB
	watchers *watchList
}

func newSqliteStore(path string) (*sqliteStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS state (
		path TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &sqliteStore{
		db:       db,
		watchers: newWatchList(),
	}, nil
}

func (s *sqliteStore) leavesUnder(path string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		`SELECT path, value FROM state WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		path, likePrefix(path),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leaves := make(map[string][]byte)
	for rows.Next() {
		var p string
		var v []byte
		if err := rows.Scan(&p, &v); err != nil {
			return nil, err
		}
		leaves[p] = v
	}
	return leaves, rows.Err()
}

// likePrefix escapes path for use in a LIKE 'path/%' match.
func likePrefix(path string) string {
	escaped := make([]byte, 0, len(path)+8)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, path[i])
	}
	return string(escaped) + "/%"
}

func (s *sqliteStore) Subscribe(path string, onChange func(value json.RawMessage)) func() {
	entry, cancel := s.watchers.add(path, onChange)

	value, err := s.ReadOnce(path)
	if err == nil {
		entry.deliver(value)
	}

	return cancel
}

func (s *sqliteStore) ReadOnce(path string) (json.RawMessage, error) {
	leaves, err := s.leavesUnder(path)
	if err != nil {
		return nil, err
	}
	return assembleValue(path, leaves), nil
}

func (s *sqliteStore) Write(path string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO state (path, value) VALUES (?, ?)
		 ON CONFLICT (path) DO UPDATE SET value = excluded.value`,
		path, encoded,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	s.notify(path)
	return nil
}

func (s *sqliteStore) Push(path string, value any) (string, error) {
	id := uuid.NewString()
	if err := s.Write(path+"/"+id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) Remove(path string) error {
	result, err := s.db.Exec(
		`DELETE FROM state WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		path, likePrefix(path),
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.notify(path)
	}
	return nil
}

func (s *sqliteStore) notify(changed string) {
	for _, e := range s.watchers.affected(changed) {
		leaves, err := s.leavesUnder(e.path)
		if err != nil {
			continue
		}
		e.deliver(assembleValue(e.path, leaves))
	}
}

func (s *sqliteStore) Connect() StoreConn {
	return newConnCleanups(func(path string) {
		_ = s.Remove(path)
	})
}

func (s *sqliteStore) CloseStore() error {
	return s.db.Close()
}
