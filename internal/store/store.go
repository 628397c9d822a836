// Package store persists delivered alerts as a JSON array on disk. The file
// doubles as the sequence source: alert sequence numbers continue from the
// stored length across restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/mailsink-io/mailsink/internal/models"
)

// AlertsFile is the fixed file name inside the storage directory.
const AlertsFile = "email_alerts.json"

var ErrNotFound = errors.New("alert not found")

// Store is a file-backed alert archive. All accessors return copies so
// callers cannot mutate persisted state.
type Store struct {
	mu     sync.RWMutex
	dir    string
	path   string
	alerts []*models.Alert
	logger *log.Logger
}

type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open creates the storage directory if needed and loads any existing
// alerts file. A missing file yields an empty store; an unreadable or
// malformed file is an error so a corrupt archive never silently resets
// the sequence.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory required")
	}

	s := &Store{
		dir:    dir,
		path:   filepath.Join(dir, AlertsFile),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Printf("store: starting empty, no alerts file at %s", s.path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read alerts file %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, &s.alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alerts file %s: %w", s.path, err)
	}

	s.logger.Printf("store: loaded %d alerts from %s", len(s.alerts), s.path)
	return s, nil
}

// Path returns the absolute location of the alerts file.
func (s *Store) Path() string {
	return s.path
}

// Len reports the number of persisted alerts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

// NextSequence returns the sequence number the next appended alert will
// take. It is derived from the stored length, so it survives restarts.
func (s *Store) NextSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts) + 1
}

// Exists reports whether any alert with the given message UID has been
// persisted.
func (s *Store) Exists(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alert := range s.alerts {
		if alert.UID == uid {
			return true
		}
	}
	return false
}

// ExistsForRoute reports whether an alert for the given message UID has
// already been persisted for a specific route. One message can fan out to
// several routes, so dedup is keyed on the pair.
func (s *Store) ExistsForRoute(uid, route string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alert := range s.alerts {
		if alert.UID == uid && alert.Route == route {
			return true
		}
	}
	return false
}

// Append stores the alert in memory and rewrites the alerts file. If the
// write fails the in-memory state is rolled back so the sequence stays in
// step with what is actually on disk.
func (s *Store) Append(alert *models.Alert) error {
	if alert == nil {
		return errors.New("nil alert")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, alert.Clone())
	if err := s.flushLocked(); err != nil {
		s.alerts = s.alerts[:len(s.alerts)-1]
		return err
	}
	return nil
}

// All returns every persisted alert, oldest first.
func (s *Store) All() []*models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAlerts(s.alerts)
}

// Recent returns the most recent alerts, oldest first within the window.
// A non-positive limit returns everything.
func (s *Store) Recent(limit int) []*models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit >= len(s.alerts) {
		return cloneAlerts(s.alerts)
	}
	return cloneAlerts(s.alerts[len(s.alerts)-limit:])
}

// Get looks up a persisted alert by its identifier.
func (s *Store) Get(id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, alert := range s.alerts {
		if alert.ID == id {
			return alert.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode alerts: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write alerts file %s: %w", s.path, err)
	}
	return nil
}

func cloneAlerts(alerts []*models.Alert) []*models.Alert {
	out := make([]*models.Alert, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, alert.Clone())
	}
	return out
}
