// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/line"
)

const (
	maxLineSize  = 1024
	maxQueueSize = 64
)

// Channel is the line channel shared by all peers on a bus.
type Channel interface {
	EnableLineDetection()
	HasBufferedLines() bool
	// ReadUncheckedLine returns the next line without its terminator and
	// with the checksum suffix left in place.
	ReadUncheckedLine(p []byte) (int, error)
	WriteCheckedLine(msg []byte) error
	Deinstall() error
}

// Bus reads every line of a shared channel once and routes it to the
// endpoint owning its address. Lines for unknown addresses are discarded.
type Bus struct {
	Name string

	ch  Channel
	hex bool

	mu        sync.Mutex
	endpoints map[byte]*Endpoint
	buf       []byte
	closed    bool
}

// New creates a Bus on ch.
func New(name string, ch Channel, hex bool) *Bus {
	ch.EnableLineDetection()
	return &Bus{
		Name:      name,
		ch:        ch,
		hex:       hex,
		endpoints: make(map[byte]*Endpoint),
		buf:       make([]byte, maxLineSize),
	}
}

// Endpoint registers addr on the bus. Each address has at most one endpoint.
func (b *Bus) Endpoint(addr byte) (*Endpoint, error) {
	codec, err := NewCodec(addr, b.hex)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, failure.Newf(failure.Setup, "bus "+b.Name, failure.CodeChannelClosed, "bus is closed")
	}
	if _, ok := b.endpoints[addr]; ok {
		return nil, failure.Newf(failure.Setup, "bus "+b.Name, failure.CodeUARTInUse, "address %s already attached", codec.Token())
	}
	ep := &Endpoint{bus: b, codec: codec}
	b.endpoints[addr] = ep
	return ep, nil
}

// poll drains the channel into the endpoint queues. Caller must hold the mutex.
func (b *Bus) poll() {
	if b.closed {
		return
	}
	for b.ch.HasBufferedLines() {
		n, err := b.ch.ReadUncheckedLine(b.buf)
		if err != nil {
			b.countError(err)
			continue
		}
		raw := b.buf[:n]

		// The address prefix is part of the checked payload. Lines without a
		// valid suffix are still routed so that boot banners reach their peer.
		body, verr := line.Verify(raw)
		if verr != nil {
			body = line.Strip(raw)
		}

		addr, payload, err := split(body, b.hex)
		if err != nil {
			b.countError(err)
			slog.Debug("Dropping malformed bus line", "bus", b.Name, "line", string(raw), "err", err)
			continue
		}
		ep, ok := b.endpoints[addr]
		if !ok {
			continue
		}
		ep.push(frame{data: append([]byte(nil), payload...), err: verr})
	}
}

func (b *Bus) countError(err error) {
	code := failure.CodeOf(err)
	if code == "" {
		code = "unknown"
	}
	metrics.ProtocolErrors.WithLabelValues(b.Name, code).Inc()
}

// detach removes ep. The channel is released with the last endpoint.
func (b *Bus) detach(ep *Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.endpoints[ep.codec.Address()]; !ok || cur != ep {
		return nil
	}
	delete(b.endpoints, ep.codec.Address())
	if len(b.endpoints) > 0 || b.closed {
		return nil
	}
	b.closed = true
	return b.ch.Deinstall()
}

type frame struct {
	data []byte
	err  error // checksum error, nil when the line was valid
}

// Endpoint is the view of a Bus for one address. It offers the same line
// operations as a channel, with the address prefix handled transparently.
type Endpoint struct {
	bus   *Bus
	codec *Codec
	queue []frame
}

func (e *Endpoint) push(f frame) {
	if len(e.queue) >= maxQueueSize {
		e.queue = e.queue[1:]
		metrics.ProtocolErrors.WithLabelValues(e.bus.Name, failure.CodeRxOverflow).Inc()
	}
	e.queue = append(e.queue, f)
}

// Address returns the bus address of the endpoint.
func (e *Endpoint) Address() byte {
	return e.codec.Address()
}

// EnableLineDetection is a no-op; the bus enables it on the shared channel.
func (e *Endpoint) EnableLineDetection() {}

// HasBufferedLines reports whether a line for this address is pending.
func (e *Endpoint) HasBufferedLines() bool {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	e.bus.poll()
	return len(e.queue) > 0
}

// ReadLine copies the next validated payload into p. A pending line with a
// bad checksum is dropped and its error returned.
func (e *Endpoint) ReadLine(p []byte) (int, error) {
	f, ok := e.pop()
	if !ok {
		return 0, nil
	}
	if f.err != nil {
		e.bus.countError(f.err)
		return 0, f.err
	}
	return e.copyOut(p, f.data)
}

// ReadRawLine copies the next payload into p without checksum validation.
func (e *Endpoint) ReadRawLine(p []byte) (int, error) {
	f, ok := e.pop()
	if !ok {
		return 0, nil
	}
	return e.copyOut(p, f.data)
}

func (e *Endpoint) pop() (frame, bool) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	e.bus.poll()
	if len(e.queue) == 0 {
		return frame{}, false
	}
	f := e.queue[0]
	e.queue = e.queue[1:]
	return f, true
}

func (e *Endpoint) copyOut(p, data []byte) (int, error) {
	if len(data) > len(p) {
		err := failure.Newf(failure.Protocol, "bus "+e.bus.Name, failure.CodeLineTooLong, "line of %d bytes exceeds buffer of %d", len(data), len(p))
		e.bus.countError(err)
		return 0, err
	}
	return copy(p, data), nil
}

// WriteCheckedLine sends msg to this address.
func (e *Endpoint) WriteCheckedLine(msg []byte) error {
	if err := e.bus.ch.WriteCheckedLine(e.codec.Encode(msg)); err != nil {
		return fmt.Errorf("bus %s address %s: %w", e.bus.Name, e.codec.Token(), err)
	}
	return nil
}

// Deinstall detaches the endpoint from the bus.
func (e *Endpoint) Deinstall() error {
	return e.bus.detach(e)
}
