// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"

	"github.com/ffutop/boardlink/internal/config"
)

// Port is the raw byte stream underneath a line channel: a local UART or a
// serial-over-TCP bridge.
//
// Read may return (0, err) on a driver timeout; callers retry after a short
// pause.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the Port described by cfg.
type Opener func(cfg config.SerialConfig) (Port, error)

// LineHandler handles one text command received by a server and returns the
// text to send back.
type LineHandler func(ctx context.Context, line string) (string, error)
