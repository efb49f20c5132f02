// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/module"
)

var errQueueFull = errors.New("command queue is full")

type queuedCommand struct {
	cmd    module.Command
	result chan<- *commandResult // nil for fire-and-forget commands
}

type commandResult struct {
	output string
	err    error
}

// Loop owns the module registry. Modules are stepped and commands executed
// from a single goroutine so that no module is ever entered concurrently.
type Loop struct {
	registry *module.Registry
	interval time.Duration
	commands chan *queuedCommand
}

// NewLoop creates a Loop driving registry.
func NewLoop(registry *module.Registry, cfg config.LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Loop{
		registry: registry,
		interval: cfg.Interval,
		commands: make(chan *queuedCommand, cfg.QueueSize),
	}
}

// Handle parses text as a command, runs it on the loop and returns the
// module output. It must not be called from the loop goroutine.
func (l *Loop) Handle(ctx context.Context, text string) (string, error) {
	cmd, err := module.ParseCommand(text)
	if err != nil {
		return "", err
	}
	result := make(chan *commandResult, 1)
	select {
	case l.commands <- &queuedCommand{cmd: cmd, result: result}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-result:
		return res.output, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Dispatch queues cmd without waiting for it. It is safe to call from a
// module step.
func (l *Loop) Dispatch(cmd module.Command) error {
	select {
	case l.commands <- &queuedCommand{cmd: cmd}:
		return nil
	default:
		return errQueueFull
	}
}

// Run steps the modules every interval and executes queued commands in
// between until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("Control loop started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Control loop stopped")
			return nil
		case <-ticker.C:
			l.registry.Step(ctx)
		case q := <-l.commands:
			l.execute(ctx, q)
		}
	}
}

func (l *Loop) execute(ctx context.Context, q *queuedCommand) {
	out, err := l.registry.Execute(ctx, q.cmd)
	if err != nil {
		slog.Error("Command failed", "command", q.cmd.String(), "err", err)
	} else {
		slog.Debug("Command executed", "command", q.cmd.String())
	}
	if q.result != nil {
		q.result <- &commandResult{output: out, err: err}
	}
}

// Toucher records a sign of life from the primary peer.
type Toucher interface {
	Touch()
}

// PeerPublisher mirrors peer messages to a remote observer.
type PeerPublisher interface {
	PublishPeer(peer, msg string)
}

// peerHandler returns the handler proxies deliver peer messages to. A
// message that parses as a command is run on the loop.
func (l *Loop) peerHandler(watchdog Toucher, pub PeerPublisher) module.MessageHandler {
	return func(source, msg string, keepAlive bool) {
		if keepAlive && watchdog != nil {
			watchdog.Touch()
		}
		if pub != nil {
			pub.PublishPeer(source, msg)
		}
		cmd, err := module.ParseCommand(msg)
		if err != nil {
			slog.Debug("Peer message is not a command", "peer", source, "msg", msg)
			return
		}
		if err := l.Dispatch(cmd); err != nil {
			slog.Warn("Dropped peer command", "peer", source, "command", cmd.String(), "err", err)
		}
	}
}
