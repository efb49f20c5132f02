// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package reboot restarts the gateway after an update or on request.
package reboot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ffutop/boardlink/internal/retained"
)

// Reboot modes.
const (
	// ModeExit ends the process and leaves the restart to the service manager.
	ModeExit = "exit"
	// ModeSystem restarts the whole machine.
	ModeSystem = "system"
)

// RestartExitCode is the status the process exits with in ModeExit. It is
// non-zero so that a service manager restarts on failure as well as always.
const RestartExitCode = 75

// Rebooter records a software reset in the retained state and restarts.
type Rebooter struct {
	mode  string
	state *retained.Store

	// BeforeReboot runs right before the restart, after the state is saved.
	BeforeReboot func()

	exit   func(code int)
	system func() error
}

// New returns a Rebooter for mode. state may be nil.
func New(mode string, state *retained.Store) (*Rebooter, error) {
	switch mode {
	case "":
		mode = ModeExit
	case ModeExit, ModeSystem:
	default:
		return nil, fmt.Errorf("unknown reboot mode %q", mode)
	}
	return &Rebooter{
		mode:   mode,
		state:  state,
		exit:   os.Exit,
		system: systemReboot,
	}, nil
}

// Reboot restarts. On success it does not return.
func (r *Rebooter) Reboot(reason string) error {
	if r.state != nil {
		if err := r.state.Update(func(st *retained.State) { st.SoftwareReset = true }); err != nil {
			slog.Error("Failed to save retained state", "err", err)
		}
	}
	if r.BeforeReboot != nil {
		r.BeforeReboot()
	}

	slog.Warn("Rebooting", "reason", reason, "mode", r.mode)
	if r.mode == ModeSystem {
		if err := r.system(); err != nil {
			return fmt.Errorf("failed to reboot: %w", err)
		}
		return nil
	}
	r.exit(RestartExitCode)
	return nil
}
