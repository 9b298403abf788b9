package auth

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the reusable credentials blob Login5/AP_WELCOME hand
// back after a successful authentication, keyed by username, so a
// later process start can re-authenticate without the user's password
// (spec.md §4.11: "stored-credential re-authentication").
//
// Repurposes the teacher's sqlite wiring for a single small table
// rather than a bucketed flat-file cache, since this is exactly the
// single-row-keyed-by-username data an indexed store is for - unlike
// internal/cache, which spec.md §4.12 says explicitly has no index.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	debug bool
}

// OpenStore opens (creating if absent) the sqlite-backed credential
// store at path.
func OpenStore(path string, debug bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("auth: create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("auth: pragma %s: %w", p, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS credentials (
			username   TEXT PRIMARY KEY,
			auth_type  INTEGER NOT NULL,
			auth_data  BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: create schema: %w", err)
	}

	return &Store{db: db, debug: debug}, nil
}

func (s *Store) debugLog(op string, err error) {
	if s.debug && err != nil {
		log.Printf("[AUTH] %s failed: %v", op, err)
	}
}

// SaveCredentials upserts the reusable auth blob for username.
func (s *Store) SaveCredentials(username string, authType int, authData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO credentials (username, auth_type, auth_data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			auth_type = excluded.auth_type,
			auth_data = excluded.auth_data,
			updated_at = excluded.updated_at`,
		username, authType, authData, time.Now().Unix())
	s.debugLog("SaveCredentials", err)
	if err != nil {
		return fmt.Errorf("auth: save credentials: %w", err)
	}
	return nil
}

// LoadCredentials returns the stored auth blob for username, if any.
func (s *Store) LoadCredentials(username string) (authType int, authData []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT auth_type, auth_data FROM credentials WHERE username = ?`, username)
	if scanErr := row.Scan(&authType, &authData); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, nil, false, nil
		}
		s.debugLog("LoadCredentials", scanErr)
		return 0, nil, false, fmt.Errorf("auth: load credentials: %w", scanErr)
	}
	return authType, authData, true, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
