package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Store owns the live configuration and persists accepted changes back to
// the file it was loaded from.
type Store struct {
	mu        sync.RWMutex
	path      string
	cfg       Config
	listeners []func(Config)
}

// NewStore wraps cfg. An empty path keeps changes in memory only.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg.clone()}
}

// Path returns the backing file, if any.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update applies fn to a copy of the configuration, persists the result and
// makes it current. If fn or the write fails nothing changes.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	next := s.cfg.clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(next.clone())
	}
	return nil
}

// OnChange registers fn to be called after every successful Update.
func (s *Store) OnChange(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) persist(cfg Config) error {
	if s.path == "" {
		return nil
	}
	raw, err := Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("config: persist: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("config: persist: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: persist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: persist: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("config: persist: %w", err)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Agent.Modules = slices.Clone(c.Agent.Modules)
	out.Status.CORSAllowedOrigins = slices.Clone(c.Status.CORSAllowedOrigins)
	return out
}
