// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package wifi keeps the station associated with an access point and tells
// the network update path when an address has been acquired.
package wifi

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/metrics"
)

// DefaultMaxRetries bounds consecutive reconnect attempts.
const DefaultMaxRetries = 10

// Supervisor states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateAssociated   = "associated"
)

const (
	eventConnect    = "connect"
	eventGotIP      = "got_ip"
	eventLinkLost   = "link_lost"
	eventGiveUp     = "give_up"
	eventDisconnect = "disconnect"
)

// Credentials select the access point.
type Credentials struct {
	SSID     string
	Password string
}

// EventKind is what the radio reports.
type EventKind int

const (
	// GotIP means the station is associated and holds an address.
	GotIP EventKind = iota + 1
	// LinkLost means an established association dropped.
	LinkLost
	// ConnectFailed means an association attempt did not succeed.
	ConnectFailed
)

// Event is a radio notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Radio associates the station. Connect starts an attempt whose outcome is
// reported on Events.
type Radio interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error
	Events() <-chan Event
}

// Supervisor drives the radio through Disconnected, Connecting and
// Associated, reconnecting on link loss up to MaxRetries times in a row.
type Supervisor struct {
	// OnAssociated runs on the supervisor goroutine each time an address is
	// acquired. It must not block.
	OnAssociated func()

	radio      Radio
	maxRetries int
	machine    *fsm.FSM

	associated atomic.Bool
	retries    atomic.Int32

	mu    sync.Mutex
	creds Credentials
	err   error
}

// NewSupervisor returns a disconnected Supervisor. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewSupervisor(radio Radio, maxRetries int) *Supervisor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	s := &Supervisor{radio: radio, maxRetries: maxRetries}
	s.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateAssociated}, Dst: StateConnecting},
			{Name: eventGotIP, Src: []string{StateConnecting}, Dst: StateAssociated},
			{Name: eventLinkLost, Src: []string{StateAssociated}, Dst: StateConnecting},
			{Name: eventGiveUp, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateAssociated}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_" + StateAssociated: func(_ context.Context, e *fsm.Event) {
				metrics.WifiAssociated.Set(1)
				s.associated.Store(true)
			},
			"leave_" + StateAssociated: func(_ context.Context, e *fsm.Event) {
				s.associated.Store(false)
				metrics.WifiAssociated.Set(0)
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("Wi-Fi transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// State returns the current state.
func (s *Supervisor) State() string {
	return s.machine.Current()
}

// Associated reports whether the station holds an address.
func (s *Supervisor) Associated() bool {
	return s.associated.Load()
}

// Retries returns the number of consecutive reconnect attempts.
func (s *Supervisor) Retries() int {
	return int(s.retries.Load())
}

// Err returns the error that stopped automatic reconnection, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect starts associating with creds. It resets the retry counter and
// replaces any previous credentials.
func (s *Supervisor) Connect(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.err = nil
	s.mu.Unlock()
	s.setRetries(0)

	if s.State() != StateConnecting {
		s.fire(ctx, eventConnect)
	}
	slog.Info("Connecting to access point", "ssid", creds.SSID)
	if err := s.radio.Connect(ctx, creds); err != nil {
		s.fire(ctx, eventGiveUp)
		return failure.New(failure.Network, "connect "+creds.SSID, failure.CodeRadio, err)
	}
	return nil
}

// Run handles radio events until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	events := s.radio.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case GotIP:
		s.setRetries(0)
		s.fire(ctx, eventGotIP)
		slog.Info("Got IP address, associated with access point")
		if s.OnAssociated != nil {
			s.OnAssociated()
		}
	case LinkLost, ConnectFailed:
		if s.State() == StateDisconnected {
			return
		}
		if s.State() == StateAssociated {
			s.fire(ctx, eventLinkLost)
		}
		s.reconnect(ctx, ev.Err)
	}
}

func (s *Supervisor) reconnect(ctx context.Context, cause error) {
	n := s.Retries()
	if n >= s.maxRetries {
		err := failure.Newf(failure.Network, "reconnect", failure.CodeMaxRetries, "gave up after %d attempts", n)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.fire(ctx, eventGiveUp)
		slog.Error("Max retry attempts reached", "retries", n, "err", cause)
		return
	}

	s.setRetries(n + 1)
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()
	slog.Warn("Retry to connect to the access point", "ssid", creds.SSID, "attempt", n+1, "err", cause)
	if err := s.radio.Connect(ctx, creds); err != nil {
		// Counted as a failed attempt; the next failure event retries again.
		slog.Error("Failed to start association", "ssid", creds.SSID, "err", err)
		s.handle(ctx, Event{Kind: ConnectFailed, Err: err})
	}
}

// Shutdown disconnects the radio.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.State() != StateDisconnected {
		s.fire(ctx, eventDisconnect)
	}
	if err := s.radio.Disconnect(ctx); err != nil {
		return failure.New(failure.Network, "disconnect", failure.CodeRadio, err)
	}
	return nil
}

func (s *Supervisor) setRetries(n int) {
	s.retries.Store(int32(n))
	metrics.WifiRetries.Set(float64(n))
}

func (s *Supervisor) fire(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		slog.Debug("Ignored Wi-Fi transition", "event", event, "state", s.State(), "err", err)
	}
}
