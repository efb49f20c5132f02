// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package uart

import (
	"fmt"
	"strings"

	"github.com/grid-x/serial"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/transport"
	"github.com/ffutop/boardlink/transport/tcp"
)

const bridgeScheme = "tcp://"

// OpenPort opens the UART described by cfg. Devices of the form
// "tcp://host:port" are reached through a serial-over-TCP bridge.
func OpenPort(cfg config.SerialConfig) (transport.Port, error) {
	if strings.HasPrefix(cfg.Device, bridgeScheme) {
		return tcp.NewBridge(strings.TrimPrefix(cfg.Device, bridgeScheme), cfg.Timeout), nil
	}

	spConfig := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	}
	if cfg.RS485 {
		spConfig.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}

	port, err := serial.Open(spConfig)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return port, nil
}
