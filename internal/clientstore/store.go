// Package clientstore keeps the registry of known client devices and persists it in SQLite.
package clientstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned for an unknown MAC address
	ErrNotFound = errors.New("client not found")
	// ErrInvalidMAC is returned when a record would be keyed by an empty MAC
	ErrInvalidMAC = errors.New("invalid MAC address")
)

// Store is the in-memory client registry backed by a SQLite table.
// Every method is safe for concurrent use; each record update is atomic.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	clients map[string]*ClientInfo
	removed map[string]struct{}

	now func() message.Timeval
}

// Open opens or creates the database at path and loads all records
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{
		db:      db,
		clients: make(map[string]*ClientInfo),
		removed: make(map[string]struct{}),
		now:     message.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}

	logger.Info("Client store opened: %s (%d clients)", path, len(s.clients))
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS clients (
		mac TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`)
	return err
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT mac, data FROM clients`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var mac, data string
		if err := rows.Scan(&mac, &data); err != nil {
			return err
		}

		info := NewClientInfo(mac)
		if err := json.Unmarshal([]byte(data), info); err != nil {
			logger.Warn("Skipping unreadable client record %s: %v", mac, err)
			continue
		}
		info.Host.MAC = mac
		// nobody is connected before the server accepts connections
		info.Connected = false
		s.clients[mac] = info
	}
	return rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ClientInfo returns a copy of the record for mac
func (s *Store) ClientInfo(mac string) (*ClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.clients[normalizeMAC(mac)]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// GetOrCreate returns a copy of the record for mac, creating it if missing
func (s *Store) GetOrCreate(mac string) (*ClientInfo, error) {
	mac = normalizeMAC(mac)
	if mac == "" {
		return nil, ErrInvalidMAC
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.clients[mac]
	if !ok {
		info = NewClientInfo(mac)
		info.LastSeen = s.now()
		s.clients[mac] = info
		delete(s.removed, mac)
		logger.Debug("Created client record %s", mac)
	}
	return info.Clone(), nil
}

// Update applies fn to the record for mac under the store lock and returns a copy
// of the result. fn must not call back into the store.
func (s *Store) Update(mac string, fn func(*ClientInfo)) (*ClientInfo, error) {
	mac = normalizeMAC(mac)

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.clients[mac]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, mac)
	}
	fn(info)
	info.Host.MAC = mac
	return info.Clone(), nil
}

// Touch refreshes the last-seen timestamp and sets the connected flag. It reports
// whether the connected flag changed.
func (s *Store) Touch(mac string, connected bool) (*ClientInfo, bool, error) {
	changed := false
	now := s.now()
	info, err := s.Update(mac, func(c *ClientInfo) {
		changed = c.Connected != connected
		c.Connected = connected
		c.LastSeen = now
	})
	return info, changed, err
}

// Remove deletes the record for mac. The row disappears on the next Save.
func (s *Store) Remove(mac string) error {
	mac = normalizeMAC(mac)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[mac]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, mac)
	}
	delete(s.clients, mac)
	s.removed[mac] = struct{}{}
	return nil
}

// ClientInfos returns copies of all records ordered by MAC
func (s *Store) ClientInfos() []*ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]*ClientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		infos = append(infos, info.Clone())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Host.MAC < infos[j].Host.MAC
	})
	return infos
}

// Save writes every record and drops removed ones in one transaction
func (s *Store) Save() error {
	s.mu.RLock()
	rows := make(map[string][]byte, len(s.clients))
	for mac, info := range s.clients {
		data, err := json.Marshal(info)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("failed to encode client %s: %w", mac, err)
		}
		rows[mac] = data
	}
	removed := make([]string, 0, len(s.removed))
	for mac := range s.removed {
		removed = append(removed, mac)
	}
	s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for mac, data := range rows {
		if _, err := tx.Exec(`
			INSERT INTO clients (mac, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(mac) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, mac, string(data)); err != nil {
			return fmt.Errorf("failed to save client %s: %w", mac, err)
		}
	}
	for _, mac := range removed {
		if _, err := tx.Exec(`DELETE FROM clients WHERE mac = ?`, mac); err != nil {
			return fmt.Errorf("failed to delete client %s: %w", mac, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clients: %w", err)
	}

	s.mu.Lock()
	for _, mac := range removed {
		if _, recreated := s.clients[mac]; !recreated {
			delete(s.removed, mac)
		}
	}
	s.mu.Unlock()
	return nil
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
