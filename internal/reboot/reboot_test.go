// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package reboot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ffutop/boardlink/internal/retained"
)

func TestRebootMarksSoftwareReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retained.yaml")
	state, err := retained.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	r, err := New(ModeExit, state)
	if err != nil {
		t.Fatal(err)
	}
	var (
		order []string
		code  = -1
	)
	r.exit = func(c int) {
		code = c
		order = append(order, "exit")
	}
	r.BeforeReboot = func() {
		if !state.Get().SoftwareReset {
			t.Error("software reset not recorded before shutdown hook")
		}
		order = append(order, "hook")
	}

	if err := r.Reboot("test"); err != nil {
		t.Fatalf("Reboot failed: %v", err)
	}
	if len(order) != 2 || order[0] != "hook" || order[1] != "exit" {
		t.Errorf("order = %v", order)
	}
	if code != RestartExitCode {
		t.Errorf("exit code = %d, want %d", code, RestartExitCode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "software_reset: true") {
		t.Errorf("retained file = %q", data)
	}
}

func TestRebootSystemMode(t *testing.T) {
	r, err := New(ModeSystem, nil)
	if err != nil {
		t.Fatal(err)
	}
	exited := false
	r.exit = func(int) { exited = true }
	r.system = func() error { return errors.New("not permitted") }

	if err := r.Reboot("test"); err == nil {
		t.Fatal("expected error")
	}
	if exited {
		t.Error("system mode must not exit the process")
	}
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New("halt", nil); err == nil {
		t.Fatal("expected error")
	}
	r, err := New("", nil)
	if err != nil || r.mode != ModeExit {
		t.Fatalf("New(\"\") = %v, %v", r, err)
	}
}
