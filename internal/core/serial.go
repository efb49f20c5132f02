// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ffutop/boardlink/internal/module"
	"github.com/ffutop/boardlink/internal/ota"
)

// RawPort is the byte level side of a line channel.
type RawPort interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
}

// Serial is the module exposing a serial channel for raw access.
type Serial struct {
	name    string
	port    RawPort
	updates Updates
	wire    bool
}

// NewSerial returns a serial module. wire tells whether this channel is the
// one used to reflash the downstream chip.
func NewSerial(name string, port RawPort, updates Updates, wire bool) *Serial {
	return &Serial{name: name, port: port, updates: updates, wire: wire}
}

// Name implements module.Module.
func (s *Serial) Name() string { return s.name }

// Step implements module.Module.
func (s *Serial) Step(ctx context.Context) {}

// Output implements module.Outputter. It consumes the pending bytes and
// returns them as space separated hex.
func (s *Serial) Output() string {
	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf, 0)
		for _, b := range buf[:n] {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02x", b)
		}
		if n == 0 || err != nil {
			return sb.String()
		}
	}
}

// Call implements module.Module.
func (s *Serial) Call(ctx context.Context, method string, args []module.Value) error {
	switch method {
	case "send":
		buf := make([]byte, 0, len(args))
		for i, a := range args {
			v, err := a.AsInt()
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			if v < 0 || v > 0xFF {
				return fmt.Errorf("argument %d: %d is not a byte", i+1, v)
			}
			buf = append(buf, byte(v))
		}
		if len(buf) == 0 {
			return nil
		}
		n, err := s.port.Write(buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("%s: wrote %d of %d bytes", s.name, n, len(buf))
		}
		return nil
	case "read":
		if err := module.Expect(args); err != nil {
			return err
		}
		slog.Info(s.name + " " + s.Output())
		return nil
	case "wire_ota":
		if err := module.Expect(args); err != nil {
			return err
		}
		if !s.wire {
			return fmt.Errorf("%s: wire reflash is not configured for this channel", s.name)
		}
		_, err := s.updates.Submit(ota.Job{Path: ota.PathWire})
		return err
	default:
		return module.UnknownMethod(s.name, method)
	}
}
