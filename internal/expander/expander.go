// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package expander proxies module calls to peer boards over a line channel.
// Expander talks to a single peer on its own channel, ExternalExpander to one
// addressed peer on a shared bus.
package expander

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/internal/module"
)

const (
	// DefaultBootTimeout bounds the wait for the "Ready." banner.
	DefaultBootTimeout = time.Second

	readyBanner  = "Ready."
	messageMark  = "!!"
	maxLineSize  = 1024
	pollInterval = 5 * time.Millisecond
)

// Line is the line channel a proxy talks through. *uart.Channel and
// *bus.Endpoint implement it.
type Line interface {
	EnableLineDetection()
	HasBufferedLines() bool
	ReadLine(p []byte) (int, error)
	ReadRawLine(p []byte) (int, error)
	WriteCheckedLine(msg []byte) error
	Deinstall() error
}

type options struct {
	bootTimeout time.Duration
	callTarget  string
}

// Option configures a proxy.
type Option func(*options)

// WithBootTimeout overrides DefaultBootTimeout.
func WithBootTimeout(d time.Duration) Option {
	return func(o *options) { o.bootTimeout = d }
}

// WithCallTarget sets the module name generic calls are addressed to on the
// peer. It defaults to "core".
func WithCallTarget(target string) Option {
	return func(o *options) { o.callTarget = target }
}

// proxy holds what both variants share.
type proxy struct {
	name      string
	line      Line
	handler   module.MessageHandler
	keepAlive bool
	target    string
	buf       []byte
	closed    atomic.Bool
}

func newProxy(name string, l Line, handler module.MessageHandler, keepAlive bool, opts []Option) (*proxy, time.Duration) {
	o := options{bootTimeout: DefaultBootTimeout, callTarget: "core"}
	for _, opt := range opts {
		opt(&o)
	}
	l.EnableLineDetection()
	return &proxy{
		name:      name,
		line:      l,
		handler:   handler,
		keepAlive: keepAlive,
		target:    o.callTarget,
		buf:       make([]byte, maxLineSize),
	}, o.bootTimeout
}

// awaitReady echoes boot output until the peer prints its banner or timeout
// elapses. Boot lines are read leniently since the peer may not checksum them.
func (p *proxy) awaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for p.line.HasBufferedLines() {
			n, err := p.line.ReadRawLine(p.buf)
			if err != nil {
				continue
			}
			text := string(p.buf[:n])
			p.echo(text)
			if strings.HasSuffix(strings.TrimSpace(text), readyBanner) {
				return true
			}
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// readOne handles one pending line. It reports false when nothing was pending.
func (p *proxy) readOne() bool {
	if p.closed.Load() || !p.line.HasBufferedLines() {
		return false
	}
	n, err := p.line.ReadLine(p.buf)
	if err != nil {
		slog.Debug("Dropping line from peer", "peer", p.name, "code", failure.CodeOf(err), "err", err)
		return true
	}
	p.handle(string(p.buf[:n]))
	return true
}

func (p *proxy) handle(text string) {
	if msg, ok := strings.CutPrefix(text, messageMark); ok {
		metrics.PeerMessages.WithLabelValues(p.name).Inc()
		if p.handler != nil {
			p.handler(p.name, msg, p.keepAlive)
		}
		return
	}
	p.echo(text)
}

func (p *proxy) echo(text string) {
	slog.Info("Peer output", "peer", p.name, "line", text)
}

func (p *proxy) call(method string, args []module.Value) error {
	if p.closed.Load() {
		return failure.New(failure.Setup, "call "+p.name, failure.CodeChannelClosed, nil)
	}

	switch method {
	case "run":
		if err := module.Expect(args, module.TypeString); err != nil {
			return err
		}
		command, _ := args[0].AsString()
		if err := p.line.WriteCheckedLine([]byte(command)); err != nil {
			return err
		}
		p.echo(command)
		return nil
	case "disconnect":
		if err := module.Expect(args); err != nil {
			return err
		}
		if err := p.close(); err != nil {
			return err
		}
		p.echo("disconnected")
		return nil
	}

	command := module.FormatCall(p.target+"."+method, args)
	if err := p.line.WriteCheckedLine([]byte(command)); err != nil {
		return err
	}
	p.echo(command)
	return nil
}

func (p *proxy) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.line.Deinstall()
}

// Expander is a peer board on a dedicated channel. Its messages count as
// signs of life for the watchdog.
type Expander struct {
	*proxy
}

// New waits for the peer on l to boot. A peer that does not announce itself
// within the boot timeout is a setup error and l is released.
func New(name string, l Line, handler module.MessageHandler, opts ...Option) (*Expander, error) {
	p, timeout := newProxy(name, l, handler, true, opts)
	if !p.awaitReady(timeout) {
		p.close()
		return nil, failure.Newf(failure.Setup, "expander "+name, failure.CodeBootTimeout, "no %q within %s", readyBanner, timeout)
	}
	slog.Info("Expander ready", "peer", name)
	return &Expander{proxy: p}, nil
}

// Name returns the module name.
func (e *Expander) Name() string { return e.name }

// Step handles at most one line from the peer.
func (e *Expander) Step(ctx context.Context) {
	e.readOne()
}

// Call forwards method to the peer. "run" and "disconnect" act on the link.
func (e *Expander) Call(ctx context.Context, method string, args []module.Value) error {
	return e.call(method, args)
}

// Close releases the channel.
func (e *Expander) Close() error {
	return e.close()
}
