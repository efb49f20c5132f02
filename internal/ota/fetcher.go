// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

// Link reports the state of the network connection.
type Link interface {
	Associated() bool
}

// Fetcher downloads an image into the update partition.
type Fetcher struct {
	flash   Flash
	link    Link
	reboot  Rebooter
	sources map[string]ImageSource
	chunk   int

	// BeforeReboot runs after a successful commit, right before the reboot.
	BeforeReboot func()
}

// NewFetcher creates a Fetcher serving http and https URLs, and s3 URLs when
// an object store endpoint is configured.
func NewFetcher(flash Flash, link Link, reboot Rebooter, cfg config.OTAConfig) (*Fetcher, error) {
	f := &Fetcher{
		flash:   flash,
		link:    link,
		reboot:  reboot,
		sources: make(map[string]ImageSource),
		chunk:   cfg.ChunkSize,
	}
	if f.chunk <= 0 {
		f.chunk = defaultChunkSize
	}

	hs := NewHTTPSource(cfg.HTTPTimeout, cfg.InsecureSkipVerify)
	f.Register("http", hs)
	f.Register("https", hs)
	if cfg.S3.Endpoint != "" {
		ss, err := NewS3Source(cfg.S3)
		if err != nil {
			return nil, err
		}
		f.Register("s3", ss)
	}
	return f, nil
}

// Register serves URLs with the given scheme from src.
func (f *Fetcher) Register(scheme string, src ImageSource) {
	f.sources[scheme] = src
}

// Run downloads the image at rawURL. It only starts while the link is
// associated. The system is rebooted only when the whole advertised content
// was written and the image validated.
func (f *Fetcher) Run(ctx context.Context, rawURL string) (*Session, error) {
	s := newSession(PathNetwork)
	defer s.finish()

	if !f.link.Associated() {
		return s, s.fail(ctx, failure.Newf(failure.Network, "fetch image", failure.CodeNotAssociated, "network is not associated"))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return s, s.fail(ctx, failure.New(failure.Network, "fetch image", failure.CodeUnsupportedURL, err))
	}
	src, ok := f.sources[u.Scheme]
	if !ok {
		return s, s.fail(ctx, failure.Newf(failure.Network, "fetch image", failure.CodeUnsupportedURL, "no source for scheme %q", u.Scheme))
	}

	slog.Info("Attempting to fetch image", "session", s.ID, "url", u.Redacted())
	body, length, err := src.Open(ctx, u)
	if err != nil {
		return s, s.fail(ctx, err)
	}
	defer body.Close()
	if length >= 0 {
		slog.Info("Total content length", "session", s.ID, "bytes", length)
	}

	h, err := f.flash.BeginUpdate()
	if err != nil {
		return s, s.fail(ctx, err)
	}
	s.handle = h
	s.Target = h.Label()
	s.fire(ctx, EventHeaderValid)

	received, err := f.perform(s, body, length)
	if err != nil {
		return s, s.fail(ctx, err)
	}
	if length >= 0 && received != length {
		return s, s.fail(ctx, failure.Newf(failure.Network, "fetch image", failure.CodeIncomplete,
			"received %d of %d bytes", received, length))
	}
	slog.Info("All content received", "session", s.ID, "bytes", received)

	if err := s.commit(ctx, f.flash); err != nil {
		return s, err
	}

	if f.BeforeReboot != nil {
		f.BeforeReboot()
	}
	slog.Info("Update successful, rebooting", "session", s.ID)
	if err := f.reboot.Reboot("network update"); err != nil {
		return s, err
	}
	return s, nil
}

// perform copies body into the update partition chunk by chunk until the
// body is exhausted.
func (f *Fetcher) perform(s *Session, body io.Reader, length int64) (int64, error) {
	buf := make([]byte, f.chunk)
	var (
		received int64
		head     []byte
		parsed   bool
	)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			received += int64(n)
			if !parsed {
				head = append(head, buf[:n]...)
				if len(head) >= image.MinHeaderSize {
					if _, desc, perr := image.Parse(head); perr == nil {
						s.SourceVersion = desc.VersionString()
						slog.Info("New firmware version", "session", s.ID, "version", s.SourceVersion)
					}
					parsed, head = true, nil
				}
			}
			if werr := s.write(buf[:n]); werr != nil {
				return received, werr
			}
			if length > 0 {
				slog.Debug("Fetch progress", "session", s.ID, "received", received, "percent", float64(received)*100/float64(length))
			}
		}
		// A body cut short is caught by the length check.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return received, nil
		}
		if err != nil {
			return received, failure.New(failure.Network, "fetch image", failure.CodeRead, err)
		}
	}
}
