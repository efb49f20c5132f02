// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package retained keeps the small amount of state that survives a software
// restart: pending network update credentials and the post-update check flag.
package retained

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// State is the persisted record.
type State struct {
	SSID          string `yaml:"ssid,omitempty"`
	Password      string `yaml:"password,omitempty"`
	URL           string `yaml:"url,omitempty"`
	CheckHash     bool   `yaml:"check_hash"`
	SoftwareReset bool   `yaml:"software_reset"`
}

// Pending reports whether a network update is waiting for a connection.
func (s State) Pending() bool {
	return s.SSID != "" && s.URL != ""
}

// Store holds State in memory and mirrors every update to a YAML file.
// An empty path keeps the state in memory only.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Load reads the state at path. When the previous shutdown was not a
// software restart the credentials and the check flag are cleared, as they
// would not survive a power cycle. The software reset marker is consumed.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read retained state: %w", err)
		default:
			if err := yaml.Unmarshal(data, &s.state); err != nil {
				return nil, fmt.Errorf("failed to parse retained state %s: %w", path, err)
			}
		}
	}

	if s.state.SoftwareReset {
		slog.Info("Software reset, keeping retained state", "pendingUpdate", s.state.Pending(), "checkHash", s.state.CheckHash)
	} else {
		slog.Info("Not a software reset, clearing retained state")
		s.state = State{}
	}
	err := s.Update(func(st *State) { st.SoftwareReset = false })
	return s, err
}

// Get returns a copy of the state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn and persists the result. The in-memory state is kept
// even when writing the file fails.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("failed to encode retained state: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
