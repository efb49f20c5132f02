// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"context"
	"log/slog"
	"time"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

const (
	defaultChunkSize      = 1024
	defaultSilenceTimeout = 800 * time.Millisecond
)

// Source is the raw byte stream an image is received from. Read returns 0
// and a nil error when nothing arrived within timeout.
type Source interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Flush() error
}

// Receiver writes an image streamed over a UART into the update partition.
// The stream ends after a period of silence.
type Receiver struct {
	src     Source
	flash   Flash
	reboot  Rebooter
	chunk   int
	silence time.Duration
}

// NewReceiver creates a Receiver reading from src.
func NewReceiver(src Source, flash Flash, reboot Rebooter, cfg config.OTAConfig) *Receiver {
	r := &Receiver{
		src:     src,
		flash:   flash,
		reboot:  reboot,
		chunk:   cfg.ChunkSize,
		silence: cfg.SilenceTimeout,
	}
	if r.chunk <= 0 {
		r.chunk = defaultChunkSize
	}
	if r.silence <= 0 {
		r.silence = defaultSilenceTimeout
	}
	return r
}

// Run receives one image. A stream carrying the running version ends in
// StateAborted without touching flash and returns a nil error. On success
// the new partition is selected for boot and the system rebooted.
func (r *Receiver) Run(ctx context.Context) (*Session, error) {
	s := newSession(PathUART)
	defer s.finish()

	running, err := r.flash.RunningDescription()
	haveRunning := err == nil
	if err != nil {
		slog.Warn("Running image has no readable descriptor", "err", err)
	} else {
		s.RunningVersion = running.VersionString()
		slog.Info("Running firmware version", "version", s.RunningVersion)
	}

	r.src.Flush()

	buf := make([]byte, r.chunk)
	var head []byte
	for {
		if s.State() == StateAwaitingHeader && ctx.Err() != nil {
			return s, s.fail(ctx, ctx.Err())
		}

		n, err := r.src.Read(buf, r.silence)
		if err != nil {
			return s, s.fail(ctx, failure.New(failure.Transfer, "receive image", failure.CodeRead, err))
		}
		if n == 0 {
			break
		}

		if s.State() == StateStreaming {
			if err := s.write(buf[:n]); err != nil {
				return s, s.fail(ctx, err)
			}
			slog.Debug("Written image length", "session", s.ID, "bytes", s.BytesWritten)
			continue
		}

		head = append(head, buf[:n]...)
		if len(head) < image.MinHeaderSize {
			continue
		}
		_, desc, err := image.Parse(head)
		if err != nil {
			return s, s.fail(ctx, err)
		}
		s.SourceVersion = desc.VersionString()
		slog.Info("New firmware version", "session", s.ID, "version", s.SourceVersion)

		if haveRunning && running.SameVersion(desc) {
			slog.Info("Running version is the same as the new one, not updating", "session", s.ID, "version", s.SourceVersion)
			s.fire(ctx, EventVersionMatch)
			return s, nil
		}

		h, err := r.flash.BeginUpdate()
		if err != nil {
			return s, s.fail(ctx, err)
		}
		s.handle = h
		s.Target = h.Label()
		s.fire(ctx, EventHeaderValid)
		slog.Info("Begin update, this may take a while", "session", s.ID, "partition", s.Target)

		if err := s.write(head); err != nil {
			return s, s.fail(ctx, err)
		}
		head = nil
	}

	if s.State() == StateAwaitingHeader {
		return s, s.fail(ctx, failure.Newf(failure.Transfer, "receive image", failure.CodeInvalidHeader,
			"stream ended after %d bytes, need %d for the image header", len(head), image.MinHeaderSize))
	}

	slog.Info("Total written binary data length", "session", s.ID, "bytes", s.BytesWritten)
	if err := s.commit(ctx, r.flash); err != nil {
		return s, err
	}

	slog.Info("Prepare to restart system", "session", s.ID)
	if err := r.reboot.Reboot("uart update"); err != nil {
		return s, err
	}
	return s, nil
}
