// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/module"
)

type recordingModule struct {
	mu    sync.Mutex
	calls []string
	steps int
}

func (m *recordingModule) Name() string { return "probe" }

func (m *recordingModule) Step(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
}

func (m *recordingModule) Call(ctx context.Context, method string, args []module.Value) error {
	if method != "ping" {
		return module.UnknownMethod("probe", method)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, module.FormatCall(method, args))
	return nil
}

func (m *recordingModule) Output() string { return "alive=true" }

func (m *recordingModule) snapshot() ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...), m.steps
}

type touchCounter struct {
	mu sync.Mutex
	n  int
}

func (c *touchCounter) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

type peerLog struct {
	mu   sync.Mutex
	msgs []string
}

func (p *peerLog) PublishPeer(peer, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, peer+": "+msg)
}

func startLoop(t *testing.T) (*Loop, *recordingModule) {
	t.Helper()
	probe := &recordingModule{}
	registry := module.NewRegistry()
	require.NoError(t, registry.Register(probe))
	loop := NewLoop(registry, config.LoopConfig{Interval: time.Millisecond, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, probe
}

func TestLoopHandle(t *testing.T) {
	loop, probe := startLoop(t)
	ctx := context.Background()

	out, err := loop.Handle(ctx, "probe")
	require.NoError(t, err)
	assert.Equal(t, "alive=true", out)

	_, err = loop.Handle(ctx, `probe.ping(1, "a")`)
	require.NoError(t, err)
	_, err = loop.Handle(ctx, `{"module":"probe","method":"ping","args":[true]}`)
	require.NoError(t, err)

	_, err = loop.Handle(ctx, "probe.explode()")
	assert.ErrorContains(t, err, "unknown method")
	_, err = loop.Handle(ctx, "ghost.ping()")
	assert.ErrorIs(t, err, module.ErrUnknownModule)
	_, err = loop.Handle(ctx, "probe.ping(")
	assert.Error(t, err)

	calls, _ := probe.snapshot()
	assert.Equal(t, []string{`ping(1, "a")`, "ping(true)"}, calls)

	assert.Eventually(t, func() bool {
		_, steps := probe.snapshot()
		return steps > 2
	}, time.Second, time.Millisecond)
}

func TestLoopHandleCanceled(t *testing.T) {
	registry := module.NewRegistry()
	loop := NewLoop(registry, config.LoopConfig{QueueSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Nobody runs the loop.
	_, err := loop.Handle(ctx, "core")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopDispatchFull(t *testing.T) {
	loop := NewLoop(module.NewRegistry(), config.LoopConfig{QueueSize: 2})
	cmd := module.Command{Module: "core", Method: "keep_alive"}
	require.NoError(t, loop.Dispatch(cmd))
	require.NoError(t, loop.Dispatch(cmd))
	assert.ErrorIs(t, loop.Dispatch(cmd), errQueueFull)
}

func TestPeerHandler(t *testing.T) {
	loop, probe := startLoop(t)
	watchdog := &touchCounter{}
	pub := &peerLog{}
	handle := loop.peerHandler(watchdog, pub)

	handle("plexus", "probe.ping(7)", true)
	handle("arm", "hello there", false)

	assert.Eventually(t, func() bool {
		calls, _ := probe.snapshot()
		return len(calls) == 1
	}, time.Second, time.Millisecond)
	calls, _ := probe.snapshot()
	assert.Equal(t, []string{"ping(7)"}, calls)
	assert.Equal(t, 1, watchdog.n)
	assert.Equal(t, []string{"plexus: probe.ping(7)", "arm: hello there"}, pub.msgs)

	// Without a publisher.
	loop.peerHandler(watchdog, nil)("plexus", "probe.ping(8)", true)
	assert.Eventually(t, func() bool {
		calls, _ := probe.snapshot()
		return len(calls) == 2
	}, time.Second, time.Millisecond)
}
