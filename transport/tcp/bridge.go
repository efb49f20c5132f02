// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 2 * time.Second
)

// ErrReadTimeout is returned by Bridge.Read when no byte arrived in time.
var ErrReadTimeout = errors.New("tcp bridge: read timed out")

// Bridge is a serial port reached through a raw TCP bridge (ser2net or
// similar). The connection is opened lazily and re-dialed after a failure.
type Bridge struct {
	Address     string
	ReadTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewBridge allocates a Bridge. readTimeout bounds a single Read.
func NewBridge(address string, readTimeout time.Duration) *Bridge {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Millisecond
	}
	return &Bridge{
		Address:     address,
		ReadTimeout: readTimeout,
	}
}

// Read reads from the bridge. It returns ErrReadTimeout when nothing arrives
// within ReadTimeout.
func (b *Bridge) Read(p []byte) (int, error) {
	conn, err := b.current()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(b.ReadTimeout)); err != nil {
		b.drop(conn)
		return 0, err
	}
	n, err := conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrReadTimeout
		}
		// Close connection on read failure to force reconnect next time
		b.drop(conn)
		return n, fmt.Errorf("tcp bridge %s: %w", b.Address, err)
	}
	return n, nil
}

// Write writes p in one call on the connection.
func (b *Bridge) Write(p []byte) (int, error) {
	conn, err := b.current()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		b.drop(conn)
		return 0, err
	}
	n, err := conn.Write(p)
	if err != nil {
		b.drop(conn)
		return n, fmt.Errorf("tcp bridge %s: %w", b.Address, err)
	}
	return n, nil
}

// Close closes the connection. The bridge cannot be reused afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.close()
}

// current returns the active connection, dialing if there is none.
func (b *Bridge) current() (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b.conn, nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (b *Bridge) connect() error {
	if b.closed {
		return net.ErrClosed
	}
	if b.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", b.Address, dialTimeout)
	if err != nil {
		return fmt.Errorf("tcp bridge: failed to connect to %s: %w", b.Address, err)
	}
	b.conn = conn
	return nil
}

// drop closes conn if it is still the active connection.
func (b *Bridge) drop(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == conn {
		b.close()
	}
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (b *Bridge) close() error {
	var err error
	if b.conn != nil {
		err = b.conn.Close()
		b.conn = nil
	}
	return err
}
