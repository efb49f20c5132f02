// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package core provides the built-in modules: the gateway itself ("core")
// and raw serial channels.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ffutop/boardlink/internal/image"
	"github.com/ffutop/boardlink/internal/module"
	"github.com/ffutop/boardlink/internal/ota"
	"github.com/ffutop/boardlink/internal/partition"
	"github.com/ffutop/boardlink/internal/retained"
	"github.com/ffutop/boardlink/internal/wifi"
)

// Name is the registry name of the core module.
const Name = "core"

// Firmware is the partition manager as seen by the core module.
type Firmware interface {
	RunningDescription() (image.Description, error)
	Running() *partition.Partition
	NextUpdate() *partition.Partition
	SetBoot(label string) error
}

// Updates queues update jobs.
type Updates interface {
	Submit(job ota.Job) (<-chan ota.Result, error)
}

// Link is the Wi-Fi connection.
type Link interface {
	Associated() bool
	Connect(ctx context.Context, creds wifi.Credentials) error
}

// Core is the module controlling the gateway.
type Core struct {
	version  string
	firmware Firmware
	state    *retained.Store
	updates  Updates
	link     Link
	reboot   ota.Rebooter

	started     time.Time
	lastMessage atomic.Int64 // unix nanoseconds
}

// New returns the core module. version is the build version reported when
// the running partition carries no descriptor. link may be nil when no
// radio is configured.
func New(version string, firmware Firmware, state *retained.Store, updates Updates, link Link, reboot ota.Rebooter) *Core {
	c := &Core{
		version:  version,
		firmware: firmware,
		state:    state,
		updates:  updates,
		link:     link,
		reboot:   reboot,
		started:  time.Now(),
	}
	c.lastMessage.Store(c.started.UnixNano())
	return c
}

// Name implements module.Module.
func (c *Core) Name() string { return Name }

// Step implements module.Module.
func (c *Core) Step(ctx context.Context) {}

// Touch records a sign of life from a peer.
func (c *Core) Touch() {
	c.lastMessage.Store(time.Now().UnixNano())
}

// Millis returns the time since start in milliseconds.
func (c *Core) Millis() int64 {
	return time.Since(c.started).Milliseconds()
}

// LastMessageAge returns the time since the last sign of life in milliseconds.
func (c *Core) LastMessageAge() int64 {
	return time.Since(time.Unix(0, c.lastMessage.Load())).Milliseconds()
}

// Output implements module.Outputter.
func (c *Core) Output() string {
	return fmt.Sprintf("millis=%d last_message_age=%d", c.Millis(), c.LastMessageAge())
}

// Call implements module.Module.
func (c *Core) Call(ctx context.Context, method string, args []module.Value) error {
	switch method {
	case "restart":
		if err := module.Expect(args); err != nil {
			return err
		}
		return c.reboot.Reboot("restart requested")
	case "version":
		if err := module.Expect(args); err != nil {
			return err
		}
		slog.Info("version: " + c.Version())
		return nil
	case "info":
		if err := module.Expect(args); err != nil {
			return err
		}
		c.info()
		return nil
	case "print":
		parts := make([]string, len(args))
		for i, a := range args {
			if str, err := a.AsString(); err == nil {
				parts[i] = str
				continue
			}
			parts[i] = a.Literal()
		}
		slog.Info(strings.Join(parts, " "))
		return nil
	case "keep_alive":
		if err := module.Expect(args); err != nil {
			return err
		}
		c.Touch()
		return nil
	case "ota":
		if err := module.Expect(args, module.TypeString, module.TypeString, module.TypeString); err != nil {
			return err
		}
		ssid, _ := args[0].AsString()
		password, _ := args[1].AsString()
		url, _ := args[2].AsString()
		return c.startNetworkUpdate(ctx, ssid, password, url)
	case "receive_ota":
		if err := module.Expect(args); err != nil {
			return err
		}
		_, err := c.updates.Submit(ota.Job{Path: ota.PathUART})
		return err
	default:
		return module.UnknownMethod(Name, method)
	}
}

// Version returns the version of the running image.
func (c *Core) Version() string {
	if d, err := c.firmware.RunningDescription(); err == nil {
		return d.VersionString()
	}
	return c.version
}

func (c *Core) info() {
	d, err := c.firmware.RunningDescription()
	if err != nil {
		slog.Info("boardlink version: "+c.version, "partition", c.firmware.Running().Label)
		return
	}
	slog.Info("boardlink version: "+d.VersionString(), "partition", c.firmware.Running().Label)
	slog.Info(fmt.Sprintf("compile time: %s, %s", d.Date, d.Time))
	slog.Info("idf version: " + d.IDFVersion)
}

func (c *Core) startNetworkUpdate(ctx context.Context, ssid, password, url string) error {
	err := c.state.Update(func(st *retained.State) {
		st.SSID = ssid
		st.Password = password
		st.URL = url
	})
	if err != nil {
		slog.Warn("Failed to persist update request", "err", err)
	}

	if c.link == nil {
		return fmt.Errorf("%s: no radio configured", Name)
	}
	if c.link.Associated() {
		slog.Info("Already connected to access point")
		_, err := c.updates.Submit(ota.Job{Path: ota.PathNetwork, URL: url})
		return err
	}
	return c.link.Connect(ctx, wifi.Credentials{SSID: ssid, Password: password})
}

// AttemptPending queues the pending network update, if any. It is run
// when the link acquires an address.
func (c *Core) AttemptPending() {
	st := c.state.Get()
	if st.URL == "" {
		return
	}
	slog.Info("Attempting network update", "url", st.URL)
	if _, err := c.updates.Submit(ota.Job{Path: ota.PathNetwork, URL: st.URL}); err != nil {
		slog.Error("Failed to queue network update", "err", err)
	}
}

// MarkUpdated flags the next boot for an image check. It runs right before
// the reboot that follows a network update.
func (c *Core) MarkUpdated() {
	err := c.state.Update(func(st *retained.State) { st.CheckHash = true })
	if err != nil {
		slog.Error("Failed to save retained state", "err", err)
	}
}

// VerifyBoot checks the running image after a network update. When it does
// not validate the boot selection falls back to the other partition and the
// system restarts. The pending update request is cleared either way.
func (c *Core) VerifyBoot() error {
	st := c.state.Get()
	if !st.CheckHash {
		return nil
	}
	defer func() {
		err := c.state.Update(func(st *retained.State) { *st = retained.State{} })
		if err != nil {
			slog.Error("Failed to clear retained state", "err", err)
		}
	}()

	running := c.firmware.Running()
	err := running.Validate()
	if err == nil {
		slog.Info("Updated image verified", "partition", running.Label, "version", c.Version())
		return nil
	}
	slog.Error("Updated image failed verification", "partition", running.Label, "err", err)

	previous := c.firmware.NextUpdate()
	if err := c.firmware.SetBoot(previous.Label); err != nil {
		return fmt.Errorf("failed to roll back to %s: %w", previous.Label, err)
	}
	slog.Warn("Rolled back boot partition", "partition", previous.Label)
	return c.reboot.Reboot("rollback")
}
