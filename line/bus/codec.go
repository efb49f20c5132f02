// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bus addresses lines on a shared multi-drop link. Every line starts
// with the address token of its receiver followed by ':'.
package bus

import (
	"fmt"
	"strconv"

	"github.com/ffutop/boardlink/internal/failure"
)

const separator = ':'

// Codec prefixes and filters lines for one bus address.
//
// Decimal addresses are a single digit 0-9. Hex addresses are two hex
// characters covering a full byte. A deployment uses one form for all peers.
type Codec struct {
	addr byte
	hex  bool
}

// NewCodec returns a Codec for addr.
func NewCodec(addr byte, hex bool) (*Codec, error) {
	if !hex && addr > 9 {
		return nil, fmt.Errorf("decimal bus address out of range: %d", addr)
	}
	return &Codec{addr: addr, hex: hex}, nil
}

// Address returns the bus address.
func (c *Codec) Address() byte {
	return c.addr
}

// Token returns the wire form of the address.
func (c *Codec) Token() string {
	return formatToken(c.addr, c.hex)
}

// Encode returns "<token>:<payload>".
func (c *Codec) Encode(payload []byte) []byte {
	token := c.Token()
	out := make([]byte, 0, len(token)+1+len(payload))
	out = append(out, token...)
	out = append(out, separator)
	return append(out, payload...)
}

// Decode strips the address prefix of l. mine is false when the line is
// addressed to another peer. Lines too short for a prefix or without the
// separator return a protocol error.
func (c *Codec) Decode(l []byte) (payload []byte, mine bool, err error) {
	addr, payload, err := split(l, c.hex)
	if err != nil {
		return nil, false, err
	}
	if addr != c.addr {
		return nil, false, nil
	}
	return payload, true, nil
}

func tokenWidth(hex bool) int {
	if hex {
		return 2
	}
	return 1
}

func formatToken(addr byte, hex bool) string {
	if hex {
		return fmt.Sprintf("%02x", addr)
	}
	return strconv.Itoa(int(addr))
}

// split parses the address prefix of l.
func split(l []byte, hex bool) (byte, []byte, error) {
	width := tokenWidth(hex)
	if len(l) < width+1 {
		return 0, nil, failure.Newf(failure.Protocol, "decode", failure.CodeMalformed, "line too short for address prefix: %q", l)
	}
	if l[width] != separator {
		return 0, nil, failure.Newf(failure.Protocol, "decode", failure.CodeMalformed, "missing address separator: %q", l)
	}
	var (
		v   uint64
		err error
	)
	if hex {
		v, err = strconv.ParseUint(string(l[:width]), 16, 8)
	} else {
		v, err = strconv.ParseUint(string(l[:width]), 10, 8)
	}
	if err != nil {
		return 0, nil, failure.Newf(failure.Protocol, "decode", failure.CodeMalformed, "invalid address token %q", l[:width])
	}
	return byte(v), l[width+1:], nil
}
