// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ffutop/boardlink/transport"
)

// maxCommandSize bounds a single command line.
const maxCommandSize = 4096

// Server is a line oriented TCP command server. Every received line is
// passed to the handler and its reply is written back, one line per reply.
type Server struct {
	Address string
	Handler transport.LineHandler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
	}
}

// Start starts the TCP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.LineHandler) error {
	s.Handler = handler
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	slog.Info("Command console listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if closed
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("Console client connected", "addr", conn.RemoteAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), maxCommandSize)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		reply, err := s.Handler(ctx, text)
		if err != nil {
			reply = "error: " + err.Error()
		} else if reply == "" {
			reply = "ok"
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			slog.Error("Failed to write reply to connection", "addr", conn.RemoteAddr(), "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
		return
	}
	slog.Info("Console client disconnected", "addr", conn.RemoteAddr())
}
