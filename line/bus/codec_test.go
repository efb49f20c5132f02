// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bus

import (
	"bytes"
	"testing"

	"github.com/ffutop/boardlink/internal/failure"
)

func TestCodecEncode(t *testing.T) {
	tests := []struct {
		name    string
		addr    byte
		hex     bool
		payload string
		want    string
	}{
		{"Decimal", 3, false, "core.restart()", "3:core.restart()"},
		{"DecimalZero", 0, false, "x", "0:x"},
		{"Hex", 0x1a, true, "!!ping", "1a:!!ping"},
		{"HexEmptyPayload", 0x05, true, "", "05:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(tt.addr, tt.hex)
			if err != nil {
				t.Fatal(err)
			}
			got := c.Encode([]byte(tt.payload))
			if !bytes.Equal(got, []byte(tt.want)) {
				t.Errorf("Encode mismatch.\nWant: %q\nGot:  %q", tt.want, got)
			}
		})
	}
}

func TestCodecDecode(t *testing.T) {
	tests := []struct {
		name     string
		addr     byte
		hex      bool
		line     string
		want     string
		wantMine bool
		wantErr  bool
	}{
		{"Mine", 3, false, "3:!!ping", "!!ping", true, false},
		{"OtherAddress", 5, false, "3:!!ping", "", false, false},
		{"EmptyPayload", 3, false, "3:", "", true, false},
		{"TooShort", 3, false, "3", "", false, true},
		{"MissingSeparator", 3, false, "3!!ping", "", false, true},
		{"BadDigit", 3, false, "x:ping", "", false, true},
		{"HexMine", 0xab, true, "ab:hello", "hello", true, false},
		{"HexUpper", 0xab, true, "AB:hello", "hello", true, false},
		{"HexTooShort", 0xab, true, "a:", "", false, true},
		{"HexOther", 0xab, true, "0c:hello", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(tt.addr, tt.hex)
			if err != nil {
				t.Fatal(err)
			}
			got, mine, err := c.Decode([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if err != nil {
				if kind, _ := failure.KindOf(err); kind != failure.Protocol {
					t.Errorf("Decode(%q) error kind = %v, want protocol", tt.line, kind)
				}
				return
			}
			if mine != tt.wantMine {
				t.Errorf("Decode(%q) mine = %v, want %v", tt.line, mine, tt.wantMine)
			}
			if string(got) != tt.want {
				t.Errorf("Decode(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, hex := range []bool{false, true} {
		c, err := NewCodec(7, hex)
		if err != nil {
			t.Fatal(err)
		}
		for _, payload := range []string{"", "a", "core.info()", "!!x:y:z"} {
			got, mine, err := c.Decode(c.Encode([]byte(payload)))
			if err != nil || !mine || string(got) != payload {
				t.Errorf("hex=%v round trip of %q = %q, %v, %v", hex, payload, got, mine, err)
			}
		}
	}
}

func TestNewCodecRejectsWideDecimal(t *testing.T) {
	if _, err := NewCodec(10, false); err == nil {
		t.Error("expected error for decimal address 10")
	}
	if _, err := NewCodec(255, true); err != nil {
		t.Errorf("hex address 255 rejected: %v", err)
	}
}
