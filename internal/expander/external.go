// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package expander

import (
	"context"
	"log/slog"

	"github.com/ffutop/boardlink/internal/module"
)

// ExternalExpander is one addressed peer on a shared bus. Its messages never
// reset the watchdog so that a chatty bus peer cannot hide the loss of the
// primary link.
type ExternalExpander struct {
	*proxy
}

// NewExternal waits for the peer on l to boot. A silent peer is only logged;
// the bus stays usable for the other peers.
func NewExternal(name string, l Line, handler module.MessageHandler, opts ...Option) *ExternalExpander {
	p, timeout := newProxy(name, l, handler, false, opts)
	if p.awaitReady(timeout) {
		slog.Info("External expander ready", "peer", name)
	} else {
		slog.Warn("External expander is not booting", "peer", name, "timeout", timeout)
	}
	return &ExternalExpander{proxy: p}
}

// Name returns the module name.
func (e *ExternalExpander) Name() string { return e.name }

// Step handles every pending line from the peer.
func (e *ExternalExpander) Step(ctx context.Context) {
	for e.readOne() {
	}
}

// Call forwards method to the peer. "run" and "disconnect" act on the link.
func (e *ExternalExpander) Call(ctx context.Context, method string, args []module.Value) error {
	return e.call(method, args)
}

// Close detaches the peer from the bus.
func (e *ExternalExpander) Close() error {
	return e.close()
}
