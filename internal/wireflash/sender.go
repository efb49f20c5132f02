// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package wireflash reflashes a downstream chip over a UART by driving its
// ROM bootloader and streaming the running partition to it.
package wireflash

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/transport/uart"
)

const (
	owner       = "wire"
	readTimeout = 10 * time.Millisecond
)

// Port is the UART used in bootloader mode.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens device at baud in 8N1 mode.
type Opener func(device string, baud int) (Port, error)

// OpenPort opens a local serial device.
func OpenPort(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", device, err)
	}
	return port, nil
}

// Line is the line channel holding the UART until the reflash starts.
type Line interface {
	Deinstall() error
	UART() string
	SerialConfig() config.SerialConfig
}

// Image is the partition streamed to the downstream chip.
type Image interface {
	io.ReaderAt
	Size() int64
}

type options struct {
	opener   Opener
	registry *uart.Registry
}

// Option configures a Sender.
type Option func(*options)

// WithOpener replaces OpenPort.
func WithOpener(o Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithRegistry replaces uart.DefaultRegistry.
func WithRegistry(r *uart.Registry) Option {
	return func(opts *options) { opts.registry = r }
}

// Sender takes the UART away from a line channel and reflashes the chip on
// the other end with img.
type Sender struct {
	line     Line
	img      Image
	cfg      config.WireConfig
	opener   Opener
	registry *uart.Registry
}

// NewSender returns a Sender. Zero fields of cfg take their defaults.
func NewSender(l Line, img Image, cfg config.WireConfig, opts ...Option) *Sender {
	o := options{opener: OpenPort, registry: uart.DefaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 4
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 100 * time.Millisecond
	}
	if cfg.ResetHold <= 0 {
		cfg.ResetHold = 100 * time.Millisecond
	}
	if cfg.BootHold <= 0 {
		cfg.BootHold = 50 * time.Millisecond
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	return &Sender{
		line:     l,
		img:      img,
		cfg:      cfg,
		opener:   o.opener,
		registry: o.registry,
	}
}

// Send releases the line channel, syncs with the ROM bootloader and streams
// the image. It returns the number of bytes sent, which is partial when the
// image could not be read to the end. The channel is not reinstalled.
func (s *Sender) Send(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.line.Deinstall(); err != nil {
		slog.Warn("Failed to deinstall line channel", "err", err)
	}

	key := s.line.UART()
	if err := s.registry.Claim(key, owner); err != nil {
		return 0, err
	}
	defer s.registry.Release(key)

	device := s.line.SerialConfig().Device
	port, err := s.opener(device, s.cfg.BaudRate)
	if err != nil {
		return 0, failure.New(failure.Setup, "open "+device, failure.CodeDriverInstall, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return 0, failure.New(failure.Setup, "open "+device, failure.CodeDriverInstall, err)
	}

	l := &loader{
		port:      port,
		rd:        newSlipReader(port),
		resetHold: s.cfg.ResetHold,
		bootHold:  s.cfg.BootHold,
	}
	if err := l.connect(s.cfg.Trials, s.cfg.SyncTimeout); err != nil {
		return 0, failure.Newf(failure.Transfer, "sync "+device, failure.CodeROMSync, "no answer after %d trials: %w", s.cfg.Trials, err)
	}

	slog.Info("Wire reflash started", "device", device, "size", s.img.Size())
	sent, err := s.stream(port)
	metrics.UpdateBytes.WithLabelValues(owner).Add(float64(sent))
	if err != nil {
		slog.Error("Wire reflash stopped early", "device", device, "sent", sent, "err", err)
		return sent, err
	}
	slog.Info("Wire reflash finished", "device", device, "sent", sent)
	return sent, nil
}

func (s *Sender) stream(w io.Writer) (int64, error) {
	buf := make([]byte, s.cfg.ChunkSize)
	size := s.img.Size()
	var sent int64
	for sent < size {
		chunk := buf
		if rest := size - sent; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := s.img.ReadAt(chunk, sent)
		if n > 0 {
			m, werr := w.Write(chunk[:n])
			sent += int64(m)
			if werr != nil {
				return sent, failure.New(failure.Transfer, "wire send", failure.CodeShortWrite, werr)
			}
			if m != n {
				return sent, failure.Newf(failure.Transfer, "wire send", failure.CodeShortWrite, "wrote %d of %d bytes", m, n)
			}
		}
		if err != nil && !(err == io.EOF && sent == size) {
			return sent, failure.New(failure.Transfer, "wire send", failure.CodePartitionRead, err)
		}
		if n == 0 && err == nil {
			return sent, failure.Newf(failure.Transfer, "wire send", failure.CodePartitionRead, "empty read at offset %d", sent)
		}
	}
	return sent, nil
}
