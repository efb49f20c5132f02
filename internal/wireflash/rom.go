// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package wireflash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ROM bootloader protocol.
const (
	dirRequest  = 0x00
	dirResponse = 0x01

	cmdSync = 0x08

	requestHeaderSize  = 8 // dir, cmd, size u16, checksum u32
	responseHeaderSize = 8 // dir, cmd, size u16, value u32
)

// syncPayload is the fixed body of a SYNC request.
var syncPayload = func() []byte {
	p := []byte{0x07, 0x07, 0x12, 0x20}
	for i := 0; i < 32; i++ {
		p = append(p, 0x55)
	}
	return p
}()

// encodeCommand builds the SLIP framed request for cmd.
func encodeCommand(cmd byte, data []byte, checksum uint32) []byte {
	p := make([]byte, requestHeaderSize, requestHeaderSize+len(data))
	p[0] = dirRequest
	p[1] = cmd
	binary.LittleEndian.PutUint16(p[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(p[4:8], checksum)
	return slipEncode(append(p, data...))
}

type response struct {
	cmd   byte
	value uint32
	data  []byte
}

func decodeResponse(frame []byte) (response, error) {
	if len(frame) < responseHeaderSize {
		return response{}, fmt.Errorf("response of %d bytes is too short", len(frame))
	}
	if frame[0] != dirResponse {
		return response{}, fmt.Errorf("unexpected direction %#02x", frame[0])
	}
	size := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < responseHeaderSize+size {
		return response{}, fmt.Errorf("response body of %d bytes, header says %d", len(frame)-responseHeaderSize, size)
	}
	return response{
		cmd:   frame[1],
		value: binary.LittleEndian.Uint32(frame[4:8]),
		data:  frame[responseHeaderSize : responseHeaderSize+size],
	}, nil
}

// loader drives the ROM bootloader of the downstream chip.
type loader struct {
	port      Port
	rd        *slipReader
	resetHold time.Duration
	bootHold  time.Duration
}

// enterBootloader strobes EN with IO0 held low. DTR drives IO0 and RTS
// drives EN, both inverted.
func (l *loader) enterBootloader() error {
	steps := []struct {
		dtr, rts bool
		hold     time.Duration
	}{
		{false, true, l.resetHold}, // IO0 high, EN low
		{true, false, l.bootHold},  // IO0 low, EN high
		{false, false, 0},          // IO0 high
	}
	for _, s := range steps {
		if err := l.port.SetDTR(s.dtr); err != nil {
			return fmt.Errorf("failed to set DTR: %w", err)
		}
		if err := l.port.SetRTS(s.rts); err != nil {
			return fmt.Errorf("failed to set RTS: %w", err)
		}
		time.Sleep(s.hold)
	}
	return nil
}

// connect resets the chip into its bootloader and syncs with it, up to
// trials times.
func (l *loader) connect(trials int, syncTimeout time.Duration) error {
	var lastErr error
	for i := 1; i <= trials; i++ {
		if err := l.enterBootloader(); err != nil {
			return err
		}
		if err := l.port.ResetInputBuffer(); err != nil {
			return fmt.Errorf("failed to flush input: %w", err)
		}
		l.rd.reset()

		err := l.sync(syncTimeout)
		if err == nil {
			slog.Info("ROM bootloader synced", "trial", i)
			l.drain(syncTimeout)
			return nil
		}
		slog.Debug("ROM bootloader sync failed", "trial", i, "err", err)
		lastErr = err
	}
	return lastErr
}

func (l *loader) sync(timeout time.Duration) error {
	if _, err := l.port.Write(encodeCommand(cmdSync, syncPayload, 0)); err != nil {
		return fmt.Errorf("failed to write sync: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		frame, err := l.rd.ReadFrame(deadline)
		if err != nil {
			return err
		}
		resp, err := decodeResponse(frame)
		if err != nil {
			slog.Debug("Ignoring bootloader frame", "err", err)
			continue
		}
		if resp.cmd == cmdSync {
			return nil
		}
	}
}

// drain discards the extra SYNC answers the ROM sends.
func (l *loader) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := l.rd.ReadFrame(deadline); err != nil {
			if !errors.Is(err, errFrameTimeout) {
				slog.Debug("Draining bootloader output", "err", err)
			}
			return
		}
	}
}
