// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package line implements the framing of the text command protocol: lines
// terminated by '\n' and protected by a one byte XOR checksum written as
// "@hh" right before the terminator.
package line

import (
	"github.com/ffutop/boardlink/internal/failure"
)

const (
	// Terminator ends every line on the wire.
	Terminator = '\n'

	mark      = '@'
	suffixLen = 3 // "@hh"
)

const hexDigits = "0123456789abcdef"

// Checksum returns the XOR of all bytes of p.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum ^= b
	}
	return sum
}

// Append appends msg, its checksum suffix and the terminator to dst.
func Append(dst, msg []byte) []byte {
	sum := Checksum(msg)
	dst = append(dst, msg...)
	return append(dst, mark, hexDigits[sum>>4], hexDigits[sum&0x0f], Terminator)
}

// Verify checks the checksum suffix of a received line (terminator already
// removed) and returns the payload in front of it. A trailing '\r' is ignored.
func Verify(l []byte) ([]byte, error) {
	l = trimCR(l)
	if len(l) < suffixLen || l[len(l)-suffixLen] != mark {
		return nil, failure.Newf(failure.Protocol, "verify", failure.CodeChecksum, "missing checksum suffix")
	}
	want, ok := parseHexByte(l[len(l)-2], l[len(l)-1])
	if !ok {
		return nil, failure.Newf(failure.Protocol, "verify", failure.CodeChecksum, "malformed checksum %q", l[len(l)-2:])
	}
	payload := l[:len(l)-suffixLen]
	if got := Checksum(payload); got != want {
		return nil, failure.Newf(failure.Protocol, "verify", failure.CodeChecksum, "checksum mismatch: got %02x, want %02x", got, want)
	}
	return payload, nil
}

// Strip removes the terminator, a trailing '\r' and a well-formed checksum
// suffix without validating it. Used while a peer is still booting.
func Strip(l []byte) []byte {
	if n := len(l); n > 0 && l[n-1] == Terminator {
		l = l[:n-1]
	}
	l = trimCR(l)
	if n := len(l); n >= suffixLen && l[n-suffixLen] == mark {
		if _, ok := parseHexByte(l[n-2], l[n-1]); ok {
			l = l[:n-suffixLen]
		}
	}
	return l
}

func trimCR(l []byte) []byte {
	if n := len(l); n > 0 && l[n-1] == '\r' {
		return l[:n-1]
	}
	return l
}

func parseHexByte(hi, lo byte) (byte, bool) {
	h, ok := fromHex(hi)
	if !ok {
		return 0, false
	}
	l, ok := fromHex(lo)
	if !ok {
		return 0, false
	}
	return h<<4 | l, true
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
