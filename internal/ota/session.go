// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ota writes new application images into the update partition,
// either streamed over a UART or fetched from the network, and runs update
// jobs one at a time on a worker.
package ota

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/internal/partition"
)

// Update paths.
const (
	PathUART    = "uart"
	PathNetwork = "network"
	PathWire    = "wire"
)

// Session states.
const (
	StateAwaitingHeader = "awaiting_header"
	StateStreaming      = "streaming_to_flash"
	StateCommitting     = "committing"
	StateDone           = "done"
	StateAborted        = "aborted"
	StateFailed         = "failed"
)

// Session events.
const (
	EventHeaderValid  = "header_valid"
	EventVersionMatch = "version_match"
	EventStreamEnd    = "stream_end"
	EventCommit       = "commit"
	EventFail         = "fail"
)

// Flash is the partition manager as seen by an update.
type Flash interface {
	RunningDescription() (image.Description, error)
	BeginUpdate() (*partition.Handle, error)
	SetBoot(label string) error
}

// Rebooter restarts the system into the selected boot partition.
type Rebooter interface {
	Reboot(reason string) error
}

// Session is the state of one image transfer.
type Session struct {
	ID              uuid.UUID
	Path            string
	Target          string
	BytesWritten    int64
	HeaderValidated bool
	SourceVersion   string
	RunningVersion  string
	Err             error

	started time.Time
	machine *fsm.FSM
	handle  *partition.Handle
}

func newSession(path string) *Session {
	s := &Session{
		ID:      uuid.New(),
		Path:    path,
		started: time.Now(),
	}
	s.machine = fsm.NewFSM(
		StateAwaitingHeader,
		fsm.Events{
			{Name: EventHeaderValid, Src: []string{StateAwaitingHeader}, Dst: StateStreaming},
			{Name: EventVersionMatch, Src: []string{StateAwaitingHeader}, Dst: StateAborted},
			{Name: EventStreamEnd, Src: []string{StateStreaming}, Dst: StateCommitting},
			{Name: EventCommit, Src: []string{StateCommitting}, Dst: StateDone},
			{Name: EventFail, Src: []string{StateAwaitingHeader, StateStreaming, StateCommitting}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_" + StateStreaming: func(_ context.Context, e *fsm.Event) {
				s.HeaderValidated = true
			},
			"enter_" + StateFailed: func(_ context.Context, e *fsm.Event) {
				if s.handle != nil {
					s.handle.Abort()
				}
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Update session transition", "session", s.ID, "path", s.Path, "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	slog.Info("Update session started", "session", s.ID, "path", path)
	return s
}

// State returns the current state.
func (s *Session) State() string {
	return s.machine.Current()
}

// Finished reports whether the session reached a final state.
func (s *Session) Finished() bool {
	switch s.State() {
	case StateDone, StateAborted, StateFailed:
		return true
	}
	return false
}

func (s *Session) fire(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		slog.Error("Invalid update session transition", "session", s.ID, "event", event, "state", s.State(), "err", err)
	}
}

// fail moves the session to failed and returns err.
func (s *Session) fail(ctx context.Context, err error) error {
	s.Err = err
	s.fire(ctx, EventFail)
	return err
}

// finish logs and counts the outcome.
func (s *Session) finish() {
	metrics.UpdateSessions.WithLabelValues(s.Path, s.State()).Inc()
	attrs := []any{
		"session", s.ID,
		"path", s.Path,
		"state", s.State(),
		"bytes", s.BytesWritten,
		"elapsed", time.Since(s.started).Round(time.Millisecond),
	}
	if s.Err != nil {
		slog.Error("Update session failed", append(attrs, "code", failure.CodeOf(s.Err), "err", s.Err)...)
		return
	}
	slog.Info("Update session finished", attrs...)
}

// write appends p to the update partition.
func (s *Session) write(p []byte) error {
	n, err := s.handle.Write(p)
	s.BytesWritten += int64(n)
	metrics.UpdateBytes.WithLabelValues(s.Path).Add(float64(n))
	return err
}

// commit finalizes the partition and selects it for boot.
func (s *Session) commit(ctx context.Context, flash Flash) error {
	s.fire(ctx, EventStreamEnd)
	h := s.handle
	s.handle = nil // End closes it whatever the outcome
	if err := h.End(); err != nil {
		return s.fail(ctx, err)
	}
	if err := flash.SetBoot(h.Label()); err != nil {
		return s.fail(ctx, err)
	}
	s.fire(ctx, EventCommit)
	return nil
}
