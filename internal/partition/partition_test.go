// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package partition

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

const testSize = 4096

func memoryManager(t *testing.T, running string) *Manager {
	t.Helper()
	s0, s1 := NewMemoryStore(testSize), NewMemoryStore(testSize)
	img := image.Encode(image.Description{Version: image.Version(running)}, []byte("body"))
	if _, err := s0.WriteAt(img, 0); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager([2]Store{s0, s1}, "")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerUpdateCycle(t *testing.T) {
	m := memoryManager(t, "1.0")

	if m.Running().Label != "ota_0" || m.NextUpdate().Label != "ota_1" {
		t.Fatalf("running = %s, next = %s", m.Running().Label, m.NextUpdate().Label)
	}
	d, err := m.RunningDescription()
	if err != nil {
		t.Fatalf("RunningDescription() error = %v", err)
	}
	if d.VersionString() != "1.0" {
		t.Errorf("running version = %q", d.VersionString())
	}

	h, err := m.BeginUpdate()
	if err != nil {
		t.Fatalf("BeginUpdate() error = %v", err)
	}
	if _, err := m.BeginUpdate(); !failure.Is(err, failure.Transfer, failure.CodeOTABegin) {
		t.Errorf("second BeginUpdate() error = %v", err)
	}

	img := image.Encode(image.Description{Version: image.Version("2.0")}, bytes.Repeat([]byte{0x42}, 100))
	for _, chunk := range [][]byte{img[:10], img[10:300], img[300:]} {
		if _, err := h.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if h.Written() != int64(len(img)) {
		t.Errorf("Written() = %d, want %d", h.Written(), len(img))
	}
	if err := h.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := m.SetBoot(h.Label()); err != nil {
		t.Fatalf("SetBoot() error = %v", err)
	}
	if m.Boot().Label != "ota_1" || m.Running().Label != "ota_0" {
		t.Errorf("boot = %s, running = %s", m.Boot().Label, m.Running().Label)
	}

	// The slot is free again.
	h, err = m.BeginUpdate()
	if err != nil {
		t.Fatalf("BeginUpdate() after End error = %v", err)
	}
	h.Abort()
}

func TestHandleWriteErrors(t *testing.T) {
	m := memoryManager(t, "1.0")

	h, err := m.BeginUpdate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte{0x00, 0x01}); !failure.Is(err, failure.Transfer, failure.CodeOTAValidate) {
		t.Errorf("Write(bad magic) error = %v", err)
	}
	if _, err := h.Write(append([]byte{image.Magic}, make([]byte, testSize)...)); !failure.Is(err, failure.Transfer, failure.CodeOTAWrite) {
		t.Errorf("Write(oversize) error = %v", err)
	}

	// A truncated image does not validate.
	if _, err := h.Write([]byte{image.Magic, 1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := h.End(); !failure.Is(err, failure.Transfer, failure.CodeOTAValidate) {
		t.Errorf("End() error = %v", err)
	}
	if _, err := h.Write([]byte{1}); !failure.Is(err, failure.Transfer, failure.CodeOTAWrite) {
		t.Errorf("Write() after End error = %v", err)
	}
	if err := m.SetBoot("ota_1"); !failure.Is(err, failure.Transfer, failure.CodeSetBoot) {
		t.Errorf("SetBoot(invalid image) error = %v", err)
	}
	if err := m.SetBoot("factory"); err == nil {
		t.Error("SetBoot(unknown) succeeded")
	}
	if m.Boot().Label != "ota_0" {
		t.Errorf("boot = %s after failed SetBoot", m.Boot().Label)
	}
}

func TestBeginUpdateErases(t *testing.T) {
	m := memoryManager(t, "1.0")
	if _, err := m.NextUpdate().store.WriteAt([]byte("stale"), 100); err != nil {
		t.Fatal(err)
	}
	h, err := m.BeginUpdate()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Abort()

	buf := make([]byte, 5)
	if _, err := m.NextUpdate().ReadAt(buf, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xFF}, 5)) {
		t.Errorf("partition not erased: %x", buf)
	}
}

func TestPersistentStores(t *testing.T) {
	for _, typ := range []string{"file", "mmap"} {
		t.Run(typ, func(t *testing.T) {
			cfg := config.PartitionConfig{Type: typ, Dir: t.TempDir(), Size: testSize}

			m, err := Open(cfg)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if err := m.Running().Validate(); err == nil {
				t.Error("fresh partition validated")
			}
			h, err := m.BeginUpdate()
			if err != nil {
				t.Fatal(err)
			}
			img := image.Encode(image.Description{Version: image.Version("3.1")}, []byte("payload"))
			if _, err := h.Write(img); err != nil {
				t.Fatal(err)
			}
			if err := h.End(); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			if err := m.SetBoot(h.Label()); err != nil {
				t.Fatalf("SetBoot() error = %v", err)
			}
			if err := m.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			data, err := os.ReadFile(filepath.Join(cfg.Dir, "otadata"))
			if err != nil || string(data) != "ota_1\n" {
				t.Fatalf("otadata = %q, %v", data, err)
			}

			// After a restart the new image is running.
			m, err = Open(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer m.Close()
			if m.Running().Label != "ota_1" {
				t.Fatalf("running = %s, want ota_1", m.Running().Label)
			}
			d, err := m.RunningDescription()
			if err != nil {
				t.Fatalf("RunningDescription() error = %v", err)
			}
			if d.VersionString() != "3.1" {
				t.Errorf("running version = %q", d.VersionString())
			}
		})
	}
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(config.PartitionConfig{Type: "sql", Size: testSize})
	if !failure.Is(err, failure.Setup, failure.CodeNoPartition) {
		t.Errorf("Open() error = %v", err)
	}
}

// syncCounter records Sync calls on a memory store.
type syncCounter struct {
	*MemoryStore
	syncs int
}

func (s *syncCounter) Sync() error {
	s.syncs++
	return nil
}

func TestManagerSyncFlushesBothStores(t *testing.T) {
	s0 := &syncCounter{MemoryStore: NewMemoryStore(testSize)}
	s1 := &syncCounter{MemoryStore: NewMemoryStore(testSize)}
	m, err := NewManager([2]Store{s0, s1}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if s0.syncs != 1 || s1.syncs != 1 {
		t.Errorf("syncs = %d, %d; want 1, 1", s0.syncs, s1.syncs)
	}
}
