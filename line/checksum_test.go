// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package line

import (
	"bytes"
	"testing"

	"github.com/ffutop/boardlink/internal/failure"
)

func TestChecksum(t *testing.T) {
	if sum := Checksum([]byte{0x02, 0x07}); sum != 0x05 {
		t.Fatalf("checksum expected %#x, actual %#x", 0x05, sum)
	}
	if sum := Checksum(nil); sum != 0 {
		t.Fatalf("checksum of empty input expected 0, actual %#x", sum)
	}
}

func TestAppend(t *testing.T) {
	// 'a' ^ 'b' = 0x03
	got := Append(nil, []byte("ab"))
	want := []byte("ab@03\n")
	if !bytes.Equal(got, want) {
		t.Errorf("Append mismatch.\nWant: %q\nGot:  %q", want, got)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string
		wantErr bool
	}{
		{"Valid", "ab@03", "ab", false},
		{"ValidUpperHex", "core.restart()@" + hexOf("core.restart()", true), "core.restart()", false},
		{"TrailingCR", "ab@03\r", "ab", false},
		{"EmptyPayload", "@00", "", false},
		{"PayloadWithMark", "a@b@" + hexOf("a@b", false), "a@b", false},
		{"Mismatch", "ab@04", "", true},
		{"Missing", "ab", "", true},
		{"BadHex", "ab@zz", "", true},
		{"TooShort", "@0", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Verify([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if err != nil {
				if !failure.Is(err, failure.Protocol, failure.CodeChecksum) {
					t.Errorf("Verify(%q) error = %v, want protocol checksum error", tt.line, err)
				}
				return
			}
			if string(got) != tt.want {
				t.Errorf("Verify(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, msg := range []string{"", "Ready.", "!!ping", "core.ota(\"net\", \"pw\", \"http://h/fw.bin\")"} {
		framed := Append(nil, []byte(msg))
		if framed[len(framed)-1] != Terminator {
			t.Fatalf("framed %q does not end with terminator", framed)
		}
		got, err := Verify(framed[:len(framed)-1])
		if err != nil {
			t.Fatalf("Verify(Append(%q)) failed: %v", msg, err)
		}
		if string(got) != msg {
			t.Errorf("round trip of %q returned %q", msg, got)
		}
	}
}

func TestStrip(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"Ready.\n", "Ready."},
		{"Ready.\r\n", "Ready."},
		{"Ready.@4f\n", "Ready."},
		{"Ready.@xx", "Ready.@xx"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Strip([]byte(tt.line)); string(got) != tt.want {
			t.Errorf("Strip(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func hexOf(s string, upper bool) string {
	const lower, up = "0123456789abcdef", "0123456789ABCDEF"
	digits := lower
	if upper {
		digits = up
	}
	sum := Checksum([]byte(s))
	return string([]byte{digits[sum>>4], digits[sum&0x0f]})
}
