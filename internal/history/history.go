// Package history persists one row per install attempt. The store is a JSON
// journal replaced atomically on every mutation so a power cut mid-write
// leaves either the old or the new file, never a torn one.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/pkg/log"
	"github.com/google/renameio"
	"github.com/jonboulle/clockwork"
)

// State tracks where an install attempt ended up.
type State string

const (
	StatePending         State = "pending"
	StateSuccess         State = "success"
	StateFailed          State = "failed"
	StateNeedsActivation State = "needs-activation"
	StateNeedsReboot     State = "needs-reboot"
)

// Entry is one install attempt.
type Entry struct {
	DeviceID    string    `json:"deviceId"`
	CompositeID string    `json:"compositeId"`
	DeviceName  string    `json:"deviceName"`
	PluginName  string    `json:"pluginName"`
	OldVersion  string    `json:"oldVersion"`
	NewVersion  string    `json:"newVersion"`
	Checksum    string    `json:"checksum"`
	RemoteID    string    `json:"remoteId,omitempty"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	State       State     `json:"state"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	ErrorMsg    string    `json:"errorMsg,omitempty"`
	Reported    bool      `json:"reported"`
}

func (e *Entry) key() string { return e.DeviceID + "/" + e.Checksum }

// Store is the durable history database.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries []*Entry
	clock   clockwork.Clock
	log     *log.PrefixLogger
}

// NewStore opens (or creates) the store at path.
func NewStore(path string, clock clockwork.Clock, log *log.PrefixLogger) (*Store, error) {
	s := &Store{path: path, clock: clock, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read history database: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("history database corrupt: %w: %w", err, errdefs.ErrInvalidFile)
	}
	return nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history database: %w", err)
	}
	return nil
}

// Add appends a new attempt. At most one pending entry may exist per
// composite-id; a second concurrent attempt on the same physical unit fails
// closed.
func (s *Store) Add(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.State == "" {
		entry.State = StatePending
	}
	if entry.State == StatePending && entry.CompositeID != "" {
		for _, e := range s.entries {
			if e.State == StatePending && e.CompositeID == entry.CompositeID {
				return fmt.Errorf("an install for composite %s is already pending: %w",
					entry.CompositeID, errdefs.ErrInvalidArgs)
			}
		}
	}

	now := s.clock.Now()
	entry.Created = now
	entry.Modified = now
	s.entries = append(s.entries, entry)
	return s.persistLocked()
}

// SetState transitions the attempt for (deviceID, checksum) out of pending.
// The error, when given, is recorded as kind + message; only the first error
// sticks.
func (s *Store) SetState(deviceID, checksum string, state State, attemptErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.findLocked(deviceID, checksum)
	if entry == nil {
		return fmt.Errorf("no history for device %s: %w", deviceID, errdefs.ErrNotFound)
	}
	entry.State = state
	entry.Modified = s.clock.Now()
	if attemptErr != nil && entry.ErrorMsg == "" {
		entry.ErrorKind = errdefs.Kind(attemptErr)
		entry.ErrorMsg = attemptErr.Error()
	}
	return s.persistLocked()
}

// SetReported marks entries as uploaded to their remote.
func (s *Store) SetReported(deviceID, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.findLocked(deviceID, checksum)
	if entry == nil {
		return fmt.Errorf("no history for device %s: %w", deviceID, errdefs.ErrNotFound)
	}
	entry.Reported = true
	entry.Modified = s.clock.Now()
	return s.persistLocked()
}

func (s *Store) findLocked(deviceID, checksum string) *Entry {
	// newest first so retries resolve to the current attempt
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.DeviceID == deviceID && (checksum == "" || e.Checksum == checksum) {
			return e
		}
	}
	return nil
}

// List returns all entries, newest first.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		copy := *s.entries[i]
		out = append(out, &copy)
	}
	return out
}

// ForDevice returns the entries for one device, newest first.
func (s *Store) ForDevice(deviceID string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].DeviceID == deviceID {
			copy := *s.entries[i]
			out = append(out, &copy)
		}
	}
	return out
}

// Pending returns the pending entry for a composite-id, if any.
func (s *Store) Pending(compositeID string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.State == StatePending && e.CompositeID == compositeID {
			copy := *e
			return &copy
		}
	}
	return nil
}

// NeedsActivation returns entries staged but not yet activated; these are
// the only attempts resumable after a reboot.
func (s *Store) NeedsActivation() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.State == StateNeedsActivation {
			copy := *e
			out = append(out, &copy)
		}
	}
	return out
}

// Unreported returns finished entries that have not been uploaded yet.
func (s *Store) Unreported() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Reported {
			continue
		}
		if e.State == StateSuccess || e.State == StateFailed {
			copy := *e
			out = append(out, &copy)
		}
	}
	return out
}

// Clear drops all finished entries, keeping pending and needs-activation
// rows.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*Entry
	for _, e := range s.entries {
		if e.State == StatePending || e.State == StateNeedsActivation {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return s.persistLocked()
}
