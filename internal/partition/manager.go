// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package partition manages the two application partitions and the boot
// selection between them. The partition booted at startup is the running
// one; updates always go to the other.
package partition

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

var labels = [2]string{"ota_0", "ota_1"}

const (
	otadataName = "otadata"
	eraseChunk  = 4096
)

// Partition is one application slot.
type Partition struct {
	Label string
	store Store
}

// Size returns the capacity in bytes.
func (p *Partition) Size() int64 {
	return p.store.Size()
}

// ReadAt reads raw partition bytes.
func (p *Partition) ReadAt(b []byte, off int64) (int, error) {
	return p.store.ReadAt(b, off)
}

func (p *Partition) head() ([]byte, error) {
	buf := make([]byte, image.MinHeaderSize)
	if _, err := p.store.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, failure.New(failure.Transfer, "read "+p.Label, failure.CodePartitionRead, err)
	}
	return buf, nil
}

// Validate checks the image head stored in the partition.
func (p *Partition) Validate() error {
	head, err := p.head()
	if err != nil {
		return err
	}
	return image.Validate(head)
}

// Description returns the app descriptor of the stored image.
func (p *Partition) Description() (image.Description, error) {
	head, err := p.head()
	if err != nil {
		return image.Description{}, err
	}
	if err := image.Validate(head); err != nil {
		return image.Description{}, err
	}
	_, d, err := image.Parse(head)
	return d, err
}

// Manager owns both partitions and the boot selection.
type Manager struct {
	mu       sync.Mutex
	parts    [2]*Partition
	running  int
	boot     int
	otadata  string // empty keeps the selection in memory
	updating bool
}

// Open creates the partition stores described by cfg.
func Open(cfg config.PartitionConfig) (*Manager, error) {
	var stores [2]Store
	otadata := ""

	if cfg.Type == "file" || cfg.Type == "mmap" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, failure.New(failure.Setup, "open partitions", failure.CodeNoPartition, err)
		}
	}
	for i, label := range labels {
		var (
			s   Store
			err error
		)
		switch cfg.Type {
		case "memory":
			s = NewMemoryStore(cfg.Size)
		case "file":
			s, err = OpenFileStore(filepath.Join(cfg.Dir, label+".bin"), cfg.Size)
		case "mmap":
			s, err = OpenMmapStore(filepath.Join(cfg.Dir, label+".bin"), cfg.Size)
		default:
			err = fmt.Errorf("unsupported partition type: %s", cfg.Type)
		}
		if err != nil {
			for _, prev := range stores[:i] {
				prev.Close()
			}
			return nil, failure.New(failure.Setup, "open partition "+label, failure.CodeNoPartition, err)
		}
		stores[i] = s
	}
	if cfg.Type != "memory" {
		otadata = filepath.Join(cfg.Dir, otadataName)
	}
	return NewManager(stores, otadata)
}

// NewManager manages stores as ota_0 and ota_1. The boot selection is read
// from the otadata file when it exists.
func NewManager(stores [2]Store, otadata string) (*Manager, error) {
	m := &Manager{otadata: otadata}
	for i, s := range stores {
		m.parts[i] = &Partition{Label: labels[i], store: s}
	}

	if otadata != "" {
		data, err := os.ReadFile(otadata)
		switch {
		case err == nil:
			idx, ok := indexOf(strings.TrimSpace(string(data)))
			if !ok {
				slog.Warn("Ignoring invalid boot selection", "file", otadata, "content", string(data))
				break
			}
			m.boot = idx
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, failure.New(failure.Setup, "read "+otadata, failure.CodeNoPartition, err)
		}
	}
	m.running = m.boot
	slog.Info("Partitions ready", "running", labels[m.running], "size", m.parts[0].Size())
	return m, nil
}

func indexOf(label string) (int, bool) {
	for i, l := range labels {
		if l == label {
			return i, true
		}
	}
	return 0, false
}

// Running returns the partition the process was started from.
func (m *Manager) Running() *Partition {
	return m.parts[m.running]
}

// NextUpdate returns the partition the next update is written to.
func (m *Manager) NextUpdate() *Partition {
	return m.parts[1-m.running]
}

// Boot returns the partition selected for the next start.
func (m *Manager) Boot() *Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts[m.boot]
}

// RunningDescription returns the app descriptor of the running image.
func (m *Manager) RunningDescription() (image.Description, error) {
	return m.Running().Description()
}

// BeginUpdate erases the update partition and returns a handle writing to
// it. Only one handle may be open at a time.
func (m *Manager) BeginUpdate() (*Handle, error) {
	m.mu.Lock()
	if m.updating {
		m.mu.Unlock()
		return nil, failure.Newf(failure.Transfer, "begin update", failure.CodeOTABegin, "an update is already in progress")
	}
	m.updating = true
	m.mu.Unlock()

	part := m.NextUpdate()
	if err := eraseStore(part.store); err != nil {
		m.release()
		return nil, failure.New(failure.Transfer, "erase "+part.Label, failure.CodeOTABegin, err)
	}
	slog.Info("Update partition erased", "partition", part.Label)
	return &Handle{m: m, part: part}, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updating = false
}

func eraseStore(s Store) error {
	chunk := make([]byte, eraseChunk)
	erase(chunk)
	size := s.Size()
	for off := int64(0); off < size; off += eraseChunk {
		n := min(int64(eraseChunk), size-off)
		if _, err := s.WriteAt(chunk[:n], off); err != nil {
			return err
		}
	}
	return s.Sync()
}

// SetBoot selects the partition called label for the next start. The image
// in it must validate. The selection is replaced atomically.
func (m *Manager) SetBoot(label string) error {
	idx, ok := indexOf(label)
	if !ok {
		return failure.Newf(failure.Transfer, "set boot", failure.CodeNoPartition, "unknown partition %q", label)
	}
	if err := m.parts[idx].Validate(); err != nil {
		return failure.New(failure.Transfer, "set boot "+label, failure.CodeSetBoot, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.otadata != "" {
		if err := writeFileAtomic(m.otadata, []byte(label+"\n")); err != nil {
			return failure.New(failure.Transfer, "set boot "+label, failure.CodeSetBoot, err)
		}
	}
	m.boot = idx
	slog.Info("Boot partition selected", "partition", label)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Sync makes the content of both stores durable. It runs before a restart.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, p := range m.parts {
		if err := p.store.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Label, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes both stores.
func (m *Manager) Close() error {
	var errs []error
	for _, p := range m.parts {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Label, err))
		}
	}
	return errors.Join(errs...)
}
