// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package image decodes the head of an application image: the image header,
// the first segment header and the application descriptor carried at the
// start of the first segment.
//
// Layout:
// - Image header: 24 bytes (Offset 0), magic 0xE9
// - Segment header: 8 bytes (Offset 24)
// - App descriptor: 256 bytes (Offset 32), magic 0xABCD5432
package image

import (
	"bytes"
	"encoding/binary"

	"github.com/ffutop/boardlink/internal/failure"
)

const (
	HeaderSize        = 24
	SegmentHeaderSize = 8
	DescriptorSize    = 256

	// MinHeaderSize is the number of bytes needed to read the version.
	MinHeaderSize = HeaderSize + SegmentHeaderSize + DescriptorSize

	Magic           = 0xE9
	DescriptorMagic = 0xABCD5432

	descOffset = HeaderSize + SegmentHeaderSize
)

// Offsets inside the app descriptor.
const (
	offSecureVersion = 4
	offVersion       = 16
	offProjectName   = 48
	offTime          = 80
	offDate          = 96
	offIDFVersion    = 112
	offELFSHA256     = 144
)

// Header is the fixed image header.
type Header struct {
	Magic        byte
	SegmentCount byte
	SPIMode      byte
	SPIFlash     byte // speed in the low nibble, size in the high nibble
	EntryAddr    uint32
	ChipID       uint16
	HashAppended bool
}

// Description is the application descriptor.
type Description struct {
	SecureVersion uint32
	Version       [32]byte
	ProjectName   string
	Time          string
	Date          string
	IDFVersion    string
	ELFSHA256     [32]byte
}

// VersionString returns the version without its NUL padding.
func (d Description) VersionString() string {
	return cString(d.Version[:])
}

// SameVersion compares the raw 32-byte version fields.
func (d Description) SameVersion(o Description) bool {
	return d.Version == o.Version
}

// ParseHeader decodes the image header at the start of p.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, failure.Newf(failure.Transfer, "parse image", failure.CodeInvalidHeader, "need %d bytes, got %d", HeaderSize, len(p))
	}
	return Header{
		Magic:        p[0],
		SegmentCount: p[1],
		SPIMode:      p[2],
		SPIFlash:     p[3],
		EntryAddr:    binary.LittleEndian.Uint32(p[4:8]),
		ChipID:       binary.LittleEndian.Uint16(p[12:14]),
		HashAppended: p[23] == 1,
	}, nil
}

// ParseDescription decodes an app descriptor from p.
func ParseDescription(p []byte) (Description, error) {
	if len(p) < DescriptorSize {
		return Description{}, failure.Newf(failure.Transfer, "parse descriptor", failure.CodeInvalidHeader, "need %d bytes, got %d", DescriptorSize, len(p))
	}
	d := Description{
		SecureVersion: binary.LittleEndian.Uint32(p[offSecureVersion:]),
		ProjectName:   cString(p[offProjectName:offTime]),
		Time:          cString(p[offTime:offDate]),
		Date:          cString(p[offDate:offIDFVersion]),
		IDFVersion:    cString(p[offIDFVersion:offELFSHA256]),
	}
	copy(d.Version[:], p[offVersion:offProjectName])
	copy(d.ELFSHA256[:], p[offELFSHA256:offELFSHA256+32])
	return d, nil
}

// Parse decodes the head of an image. p must hold at least MinHeaderSize
// bytes. Magic numbers are not checked; see Validate.
func Parse(p []byte) (Header, Description, error) {
	if len(p) < MinHeaderSize {
		return Header{}, Description{}, failure.Newf(failure.Transfer, "parse image", failure.CodeInvalidHeader, "need %d bytes, got %d", MinHeaderSize, len(p))
	}
	h, err := ParseHeader(p)
	if err != nil {
		return Header{}, Description{}, err
	}
	d, err := ParseDescription(p[descOffset:])
	if err != nil {
		return Header{}, Description{}, err
	}
	return h, d, nil
}

// Validate checks both magic numbers of an image head.
func Validate(p []byte) error {
	if len(p) < MinHeaderSize {
		return failure.Newf(failure.Transfer, "validate image", failure.CodeOTAValidate, "image of %d bytes is shorter than its header", len(p))
	}
	if p[0] != Magic {
		return failure.Newf(failure.Transfer, "validate image", failure.CodeOTAValidate, "bad image magic %#02x", p[0])
	}
	if m := binary.LittleEndian.Uint32(p[descOffset:]); m != DescriptorMagic {
		return failure.Newf(failure.Transfer, "validate image", failure.CodeOTAValidate, "bad descriptor magic %#08x", m)
	}
	return nil
}

// Encode builds an image head for d followed by body.
func Encode(d Description, body []byte) []byte {
	p := make([]byte, MinHeaderSize, MinHeaderSize+len(body))
	p[0] = Magic
	p[1] = 1
	binary.LittleEndian.PutUint32(p[HeaderSize+4:], DescriptorSize+uint32(len(body)))

	desc := p[descOffset:]
	binary.LittleEndian.PutUint32(desc, DescriptorMagic)
	binary.LittleEndian.PutUint32(desc[offSecureVersion:], d.SecureVersion)
	copy(desc[offVersion:offProjectName], d.Version[:])
	copy(desc[offProjectName:offTime], d.ProjectName)
	copy(desc[offTime:offDate], d.Time)
	copy(desc[offDate:offIDFVersion], d.Date)
	copy(desc[offIDFVersion:offELFSHA256], d.IDFVersion)
	copy(desc[offELFSHA256:offELFSHA256+32], d.ELFSHA256[:])
	return append(p, body...)
}

// Version returns a version field holding s.
func Version(s string) [32]byte {
	var v [32]byte
	copy(v[:], s)
	return v
}

func cString(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}
