package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	// OnChange runs after every Set and SetBatch.
	OnChange func()
}

// Store is the persisted permission map. Explicit entries win; anything
// else falls back to Infer. The file is a flat JSON object of
// name -> level string and is assumed to have a single writer.
type Store struct {
	mu       sync.RWMutex
	path     string
	levels   map[string]Level
	logger   *slog.Logger
	onChange func()
}

// Open loads path, seeding Defaults() into it if it does not exist yet.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		levels:   make(map[string]Level),
		logger:   logger,
		onChange: opts.OnChange,
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load re-reads the backing file. It is safe to call repeatedly; a
// malformed file leaves the previous in-memory map in place.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.levels = Defaults()
		perr := s.persistLocked()
		s.mu.Unlock()
		s.logger.Info("permissions: seeded defaults", "path", s.path, "entries", len(Defaults()))
		return perr
	}
	if err != nil {
		return fmt.Errorf("read permissions: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("permissions: keeping previous map, file is malformed", "path", s.path, "error", err)
		return fmt.Errorf("parse permissions: %w", err)
	}
	levels := make(map[string]Level, len(raw))
	for name, v := range raw {
		l, err := ParseLevel(v)
		if err != nil {
			s.logger.Warn("permissions: skipping entry", "tool", name, "error", err)
			continue
		}
		levels[name] = l
	}

	s.mu.Lock()
	s.levels = levels
	s.mu.Unlock()
	return nil
}

// Check returns the effective level for name.
func (s *Store) Check(name string) Level {
	if l, ok := s.Lookup(name); ok {
		return l
	}
	return Infer(name)
}

// Lookup returns the explicit entry for name, if any. Entries written with
// the legacy "tool_" prefix are honored.
func (s *Store) Lookup(name string) (Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.levels[name]; ok {
		return l, true
	}
	l, ok := s.levels["tool_"+name]
	return l, ok
}

// Set stores one explicit level and persists immediately. The in-memory
// value is kept even when the write fails.
func (s *Store) Set(name string, level Level) error {
	s.mu.Lock()
	s.levels[name] = level
	err := s.persistLocked()
	s.mu.Unlock()
	s.changed()
	return err
}

// SetBatch writes many levels with a single file write. With replace the
// resulting map is exactly mapping; otherwise mapping is merged in.
func (s *Store) SetBatch(mapping map[string]Level, replace bool) error {
	s.mu.Lock()
	if replace {
		s.levels = make(map[string]Level, len(mapping))
	}
	for k, v := range mapping {
		s.levels[k] = v
	}
	err := s.persistLocked()
	s.mu.Unlock()
	s.changed()
	return err
}

// GetAll returns a copy of the explicit entries.
func (s *Store) GetAll() map[string]Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Level, len(s.levels))
	for k, v := range s.levels {
		out[k] = v
	}
	return out
}

// Enabled lists explicit entries that are not Disabled, sorted.
func (s *Store) Enabled() []string {
	return s.filter(func(l Level) bool { return l != Disabled })
}

// Disabled lists explicit Disabled entries, sorted.
func (s *Store) Disabled() []string {
	return s.filter(func(l Level) bool { return l == Disabled })
}

func (s *Store) filter(keep func(Level) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, l := range s.levels {
		if keep(l) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// persistLocked writes the map via a temp file + rename. Caller holds s.mu.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("permissions: persist failed", "path", s.path, "error", err)
		return fmt.Errorf("persist permissions: %w", err)
	}
	raw := make(map[string]string, len(s.levels))
	for k, v := range s.levels {
		raw[k] = string(v)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("permissions: persist failed", "path", s.path, "error", err)
		return fmt.Errorf("persist permissions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("permissions: persist failed", "path", s.path, "error", err)
		return fmt.Errorf("persist permissions: %w", err)
	}
	return nil
}
