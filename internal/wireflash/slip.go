// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package wireflash

import (
	"errors"
	"io"
	"time"
)

// SLIP framing bytes.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var errFrameTimeout = errors.New("no frame before deadline")

// slipEncode frames p.
func slipEncode(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/8+2)
	out = append(out, slipEnd)
	for _, b := range p {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipReader extracts frames from a port whose reads return 0 bytes on
// timeout.
type slipReader struct {
	r       io.Reader
	buf     [256]byte
	pending []byte
	frame   []byte
	inFrame bool
	esc     bool
}

func newSlipReader(r io.Reader) *slipReader {
	return &slipReader{r: r}
}

// reset drops any partial frame and buffered input.
func (s *slipReader) reset() {
	s.pending = nil
	s.frame = s.frame[:0]
	s.inFrame = false
	s.esc = false
}

// ReadFrame returns the next complete frame received before deadline.
func (s *slipReader) ReadFrame(deadline time.Time) ([]byte, error) {
	for {
		for len(s.pending) > 0 {
			b := s.pending[0]
			s.pending = s.pending[1:]
			if frame, ok := s.feed(b); ok {
				return frame, nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil, errFrameTimeout
		}
		n, err := s.r.Read(s.buf[:])
		if err != nil {
			return nil, err
		}
		s.pending = s.buf[:n]
	}
}

func (s *slipReader) feed(b byte) ([]byte, bool) {
	if !s.inFrame {
		if b == slipEnd {
			s.inFrame = true
			s.frame = s.frame[:0]
		}
		return nil, false
	}

	switch {
	case s.esc:
		s.esc = false
		switch b {
		case slipEscEnd:
			s.frame = append(s.frame, slipEnd)
		case slipEscEsc:
			s.frame = append(s.frame, slipEsc)
		default:
			// Invalid escape, drop the frame.
			s.inFrame = false
		}
	case b == slipEsc:
		s.esc = true
	case b == slipEnd:
		if len(s.frame) == 0 {
			// Back to back delimiters; this one opens the frame.
			return nil, false
		}
		s.inFrame = false
		return append([]byte(nil), s.frame...), true
	default:
		s.frame = append(s.frame, b)
	}
	return nil, false
}
