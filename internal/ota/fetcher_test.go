// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
	"github.com/ffutop/boardlink/internal/image"
)

type fakeLink struct {
	associated bool
}

func (l *fakeLink) Associated() bool { return l.associated }

func newTestFetcher(t *testing.T, flash Flash, link Link, reboot Rebooter) *Fetcher {
	t.Helper()
	f, err := NewFetcher(flash, link, reboot, config.OTAConfig{HTTPTimeout: 2 * time.Second})
	require.NoError(t, err)
	return f
}

func serveImage(img []byte, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ota/binary" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.Write(img)
	}))
}

func TestFetcherSuccess(t *testing.T) {
	var hits atomic.Int32
	img := newImage("2.0", 3000)
	srv := serveImage(img, &hits)
	defer srv.Close()

	flash := newFlash(t, "1.0")
	reboot := &fakeRebooter{}
	f := newTestFetcher(t, flash, &fakeLink{associated: true}, reboot)
	shutdown := 0
	f.BeforeReboot = func() { shutdown++ }

	s, err := f.Run(context.Background(), srv.URL+"/ota/binary")
	require.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, "2.0", s.SourceVersion)
	assert.EqualValues(t, len(img), s.BytesWritten)
	assert.Equal(t, 1, shutdown)
	assert.Equal(t, []string{"network update"}, reboot.reasons)
	assert.Equal(t, "ota_1", flash.Boot().Label)
	assert.Equal(t, img, readPartition(t, flash.NextUpdate(), len(img)))
}

func TestFetcherNotAssociated(t *testing.T) {
	var hits atomic.Int32
	srv := serveImage(newImage("2.0", 10), &hits)
	defer srv.Close()

	flash := newFlash(t, "1.0")
	reboot := &fakeRebooter{}
	s, err := newTestFetcher(t, flash, &fakeLink{}, reboot).Run(context.Background(), srv.URL+"/ota/binary")

	assert.True(t, failure.Is(err, failure.Network, failure.CodeNotAssociated), "err = %v", err)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, hits.Load())
	assert.Zero(t, flash.begins)
	assert.Empty(t, reboot.reasons)
}

func TestFetcherIncompleteData(t *testing.T) {
	img := newImage("2.0", 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.Write(img[:1000])
	}))
	defer srv.Close()

	flash := newFlash(t, "1.0")
	reboot := &fakeRebooter{}
	s, err := newTestFetcher(t, flash, &fakeLink{associated: true}, reboot).Run(context.Background(), srv.URL)

	assert.True(t, failure.Is(err, failure.Network, failure.CodeIncomplete), "err = %v", err)
	assert.Equal(t, StateFailed, s.State())
	assert.EqualValues(t, 1000, s.BytesWritten)
	assert.Empty(t, reboot.reasons)
	assert.Equal(t, "ota_0", flash.Boot().Label)
}

func TestFetcherValidationFailureIsDistinct(t *testing.T) {
	var hits atomic.Int32
	img := newImage("2.0", 100)
	img[image.HeaderSize+image.SegmentHeaderSize+1] ^= 0xFF
	srv := serveImage(img, &hits)
	defer srv.Close()

	flash := newFlash(t, "1.0")
	reboot := &fakeRebooter{}
	s, err := newTestFetcher(t, flash, &fakeLink{associated: true}, reboot).Run(context.Background(), srv.URL+"/ota/binary")

	require.Error(t, err)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.Transfer, kind)
	assert.Equal(t, failure.CodeOTAValidate, failure.CodeOf(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, reboot.reasons)
	assert.Equal(t, "ota_0", flash.Boot().Label)
}

func TestFetcherSourceErrors(t *testing.T) {
	var hits atomic.Int32
	srv := serveImage(newImage("2.0", 10), &hits)
	defer srv.Close()

	tests := []struct {
		name string
		url  string
		code string
	}{
		{"status", srv.URL + "/missing", failure.CodeHTTPStatus},
		{"scheme", "ftp://example.com/fw.bin", failure.CodeUnsupportedURL},
		{"s3 without endpoint", "s3://firmware/fw.bin", failure.CodeUnsupportedURL},
		{"connect", "http://127.0.0.1:1/fw.bin", failure.CodeConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flash := newFlash(t, "1.0")
			_, err := newTestFetcher(t, flash, &fakeLink{associated: true}, &fakeRebooter{}).Run(context.Background(), tt.url)
			assert.True(t, failure.Is(err, failure.Network, tt.code), "err = %v", err)
			assert.Zero(t, flash.begins)
		})
	}
}

// staticSource serves one image without advertising its length.
type staticSource struct {
	data []byte
	url  *url.URL
}

func (s *staticSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	s.url = u
	return io.NopCloser(bytes.NewReader(s.data)), -1, nil
}

func TestFetcherRegisteredSource(t *testing.T) {
	img := newImage("3.0", 2000)
	src := &staticSource{data: img}

	flash := newFlash(t, "1.0")
	f := newTestFetcher(t, flash, &fakeLink{associated: true}, &fakeRebooter{})
	f.Register("s3", src)

	s, err := f.Run(context.Background(), "s3://firmware/lizard/3.0.bin")
	require.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, "firmware", src.url.Host)
	assert.Equal(t, "/lizard/3.0.bin", src.url.Path)
}
