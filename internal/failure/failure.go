// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package failure classifies the errors raised by the transport and update
// paths. Every error carries a stable code name which is what gets logged.
package failure

import (
	"errors"
	"fmt"
)

// Kind groups errors by the layer that raised them.
type Kind int

const (
	// Setup errors are raised while acquiring a resource (UART, partition, peer).
	Setup Kind = iota + 1
	// Protocol errors are malformed or corrupt data on a link. They are never fatal.
	Protocol
	// Transfer errors abort an update session.
	Transfer
	// Network errors come from the radio or the image source.
	Network
)

func (k Kind) String() string {
	switch k {
	case Setup:
		return "setup"
	case Protocol:
		return "protocol"
	case Transfer:
		return "transfer"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Error codes.
const (
	CodeUARTInUse      = "ERR_UART_IN_USE"
	CodeDriverInstall  = "ERR_DRIVER_INSTALL"
	CodeBootTimeout    = "ERR_BOOT_TIMEOUT"
	CodeChannelClosed  = "ERR_CHANNEL_CLOSED"
	CodeChecksum       = "ERR_CHECKSUM"
	CodeMalformed      = "ERR_MALFORMED_LINE"
	CodeLineTooLong    = "ERR_LINE_TOO_LONG"
	CodeShortWrite     = "ERR_SHORT_WRITE"
	CodeRxOverflow     = "ERR_RX_OVERFLOW"
	CodeInvalidHeader  = "ERR_INVALID_HEADER"
	CodeRead           = "ERR_READ"
	CodeOTABegin       = "ERR_OTA_BEGIN"
	CodeOTAWrite       = "ERR_OTA_WRITE"
	CodeOTAEnd         = "ERR_OTA_END"
	CodeOTAValidate    = "ERR_OTA_VALIDATE_FAILED"
	CodeSetBoot        = "ERR_OTA_SET_BOOT_PARTITION"
	CodeNoPartition    = "ERR_NO_PARTITION"
	CodePartitionRead  = "ERR_PARTITION_READ"
	CodeNotAssociated  = "ERR_NOT_ASSOCIATED"
	CodeConnect        = "ERR_HTTP_CONNECT"
	CodeHTTPStatus     = "ERR_HTTP_STATUS"
	CodeIncomplete     = "ERR_INCOMPLETE_DATA"
	CodeUnsupportedURL = "ERR_UNSUPPORTED_URL"
	CodeROMSync        = "ERR_ROM_SYNC"
	CodeRadio          = "ERR_RADIO"
	CodeMaxRetries     = "ERR_MAX_RETRIES"
	CodeBusy           = "ERR_BUSY"
	CodeNotConfigured  = "ERR_NOT_CONFIGURED"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error wrapping err, which may be nil.
func New(kind Kind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, code, format string, args ...any) *Error {
	return New(kind, op, code, fmt.Errorf(format, args...))
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// CodeOf returns the code of the first classified error in err's chain,
// or an empty string.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given kind and code.
func Is(err error, kind Kind, code string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind && e.Code == code
}
