// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package uart

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/line"
	"github.com/ffutop/boardlink/transport"
)

const (
	readChunkSize = 256
	readBackoff   = 10 * time.Millisecond
)

type options struct {
	opener   transport.Opener
	registry *Registry
}

// Option configures Open.
type Option func(*options)

// WithOpener replaces the function used to open the underlying port.
func WithOpener(o transport.Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(opts *options) { opts.registry = r }
}

// Channel is a line oriented duplex channel on one UART. A background
// goroutine moves received bytes into a bounded buffer. Lines are read with
// their checksum validated. Writes of checked lines are a single port write.
type Channel struct {
	Name string

	cfg      config.ChannelConfig
	registry *Registry
	port     transport.Port

	wmu sync.Mutex // serializes writes

	mu     sync.Mutex
	rx     *line.Buffer
	detect bool
	closed bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Open claims the UART of cfg, opens its port and starts receiving.
func Open(cfg config.ChannelConfig, opts ...Option) (*Channel, error) {
	o := options{opener: OpenPort, registry: DefaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.UART == "" {
		cfg.UART = cfg.Serial.Device
	}
	if cfg.RxBuffer <= 0 {
		cfg.RxBuffer = 2048
	}

	if err := o.registry.Claim(cfg.UART, cfg.Name); err != nil {
		return nil, err
	}
	port, err := o.opener(cfg.Serial)
	if err != nil {
		o.registry.Release(cfg.UART)
		return nil, failure.New(failure.Setup, "open "+cfg.Serial.Device, failure.CodeDriverInstall, err)
	}

	c := &Channel{
		Name:     cfg.Name,
		cfg:      cfg,
		registry: o.registry,
		port:     port,
		rx:       line.NewBuffer(cfg.RxBuffer),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	slog.Info("Serial channel installed", "channel", c.Name, "device", cfg.Serial.Device, "baudRate", cfg.Serial.BaudRate)
	return c, nil
}

// UART returns the ownership key of the channel.
func (c *Channel) UART() string {
	return c.cfg.UART
}

// SerialConfig returns the UART settings of the channel.
func (c *Channel) SerialConfig() config.SerialConfig {
	return c.cfg.Serial
}

func (c *Channel) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			c.mu.Lock()
			dropped := c.rx.Feed(buf[:n])
			c.mu.Unlock()
			if dropped > 0 {
				metrics.ProtocolErrors.WithLabelValues(c.Name, failure.CodeRxOverflow).Inc()
				slog.Warn("Receive buffer overflow", "channel", c.Name, "dropped", dropped)
			}
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
		if err != nil || n == 0 {
			select {
			case <-c.done:
				return
			case <-time.After(readBackoff):
			}
			continue
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// EnableLineDetection turns on line tracking for ReadLine and HasBufferedLines.
func (c *Channel) EnableLineDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detect = true
}

// Available returns the number of received bytes not yet consumed.
func (c *Channel) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx.Len()
}

// HasBufferedLines reports whether a complete line is pending.
func (c *Channel) HasBufferedLines() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detect && c.rx.Lines() > 0
}

// ReadLine copies the payload of the next complete line into p. It returns 0
// when no line is pending. A line with a bad checksum or longer than p is
// dropped and reported as a protocol error.
func (c *Channel) ReadLine(p []byte) (int, error) {
	raw, ok := c.nextLine()
	if !ok {
		return 0, nil
	}
	payload, err := line.Verify(raw)
	if err != nil {
		c.countError(err)
		return 0, err
	}
	return c.deliver(p, payload)
}

// ReadRawLine is ReadLine without checksum validation. A checksum suffix, if
// present, is removed.
func (c *Channel) ReadRawLine(p []byte) (int, error) {
	raw, ok := c.nextLine()
	if !ok {
		return 0, nil
	}
	return c.deliver(p, line.Strip(raw))
}

// ReadUncheckedLine copies the next line into p as received, checksum suffix
// included. Only the terminator and a trailing '\r' are removed. A bus reads
// this way because the suffix covers the address prefix.
func (c *Channel) ReadUncheckedLine(p []byte) (int, error) {
	raw, ok := c.nextLine()
	if !ok {
		return 0, nil
	}
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	return c.deliver(p, raw)
}

func (c *Channel) nextLine() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.detect {
		return nil, false
	}
	return c.rx.Next()
}

func (c *Channel) deliver(p, payload []byte) (int, error) {
	if len(payload) > len(p) {
		err := failure.Newf(failure.Protocol, "read "+c.Name, failure.CodeLineTooLong, "line of %d bytes exceeds buffer of %d", len(payload), len(p))
		c.countError(err)
		return 0, err
	}
	metrics.LinesReceived.WithLabelValues(c.Name).Inc()
	return copy(p, payload), nil
}

func (c *Channel) countError(err error) {
	metrics.ProtocolErrors.WithLabelValues(c.Name, failure.CodeOf(err)).Inc()
}

// Read copies pending raw bytes into p, waiting up to timeout for the first
// byte. It returns 0 and a nil error when nothing arrived in time.
func (c *Channel) Read(p []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.rx.Len() > 0 {
			n := c.rx.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return 0, c.closedError("read")
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write writes raw bytes.
func (c *Channel) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return 0, c.closedError("write")
	}
	return c.port.Write(p)
}

// WriteCheckedLine writes msg followed by its checksum suffix and the
// terminator as one buffer. A partial write is an error; the rest of the line
// is never sent later.
func (c *Channel) WriteCheckedLine(msg []byte) error {
	buf := line.Append(make([]byte, 0, len(msg)+4), msg)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return c.closedError("write")
	}
	n, err := c.port.Write(buf)
	if err != nil {
		return fmt.Errorf("channel %s: failed to write line: %w", c.Name, err)
	}
	if n != len(buf) {
		return failure.Newf(failure.Protocol, "write "+c.Name, failure.CodeShortWrite, "wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Flush discards everything received so far.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx.Reset()
	return nil
}

// Deinstall closes the port and releases the UART. It is safe to call more
// than once.
func (c *Channel) Deinstall() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		c.wmu.Lock()
		err = c.port.Close()
		c.wmu.Unlock()
		c.registry.Release(c.cfg.UART)
		slog.Info("Serial channel deinstalled", "channel", c.Name, "device", c.cfg.Serial.Device)
	})
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) closedError(op string) error {
	return failure.New(failure.Setup, op+" "+c.Name, failure.CodeChannelClosed, nil)
}
