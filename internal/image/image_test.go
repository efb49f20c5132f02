// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package image

import (
	"testing"

	"github.com/ffutop/boardlink/internal/failure"
)

func TestParse(t *testing.T) {
	want := Description{
		SecureVersion: 2,
		Version:       Version("v0.4.1"),
		ProjectName:   "lizard",
		Time:          "12:00:00",
		Date:          "Oct 17 2026",
		IDFVersion:    "v4.4",
	}
	p := Encode(want, []byte{1, 2, 3})
	if len(p) != MinHeaderSize+3 {
		t.Fatalf("len(Encode()) = %d", len(p))
	}

	h, d, err := Parse(p)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if h.Magic != Magic || h.SegmentCount != 1 {
		t.Errorf("header = %+v", h)
	}
	if d != want {
		t.Errorf("Parse() = %+v, want %+v", d, want)
	}
	if d.VersionString() != "v0.4.1" {
		t.Errorf("VersionString() = %q", d.VersionString())
	}
	if err := Validate(p); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseShort(t *testing.T) {
	p := Encode(Description{Version: Version("1.0")}, nil)
	_, _, err := Parse(p[:MinHeaderSize-1])
	if !failure.Is(err, failure.Transfer, failure.CodeInvalidHeader) {
		t.Errorf("Parse(short) error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	good := Encode(Description{Version: Version("1.0")}, make([]byte, 16))

	tests := []struct {
		name  string
		apply func(p []byte) []byte
	}{
		{"bad image magic", func(p []byte) []byte { p[0] = 0xFF; return p }},
		{"bad descriptor magic", func(p []byte) []byte { p[descOffset] ^= 0xFF; return p }},
		{"short", func(p []byte) []byte { return p[:100] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.apply(append([]byte(nil), good...))
			if err := Validate(p); !failure.Is(err, failure.Transfer, failure.CodeOTAValidate) {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestSameVersion(t *testing.T) {
	a := Description{Version: Version("1.0")}
	b := Description{Version: Version("1.0")}
	c := Description{Version: Version("2.0")}
	if !a.SameVersion(b) {
		t.Error("equal versions reported different")
	}
	if a.SameVersion(c) {
		t.Error("different versions reported equal")
	}
	// Bytes after the NUL terminator still count.
	d := b
	d.Version[10] = 'x'
	if a.SameVersion(d) {
		t.Error("padding difference ignored")
	}
}
