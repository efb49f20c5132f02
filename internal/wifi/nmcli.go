// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package wifi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	nmcliConnectTimeout = 45 * time.Second
	nmcliPollInterval   = 2 * time.Second
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Nmcli is a Radio backed by NetworkManager's command line client.
type Nmcli struct {
	Path      string
	Interface string
	Run       Runner
	Poll      time.Duration

	events chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewNmcli returns a radio driving iface with the nmcli binary at path.
func NewNmcli(path, iface string) *Nmcli {
	if path == "" {
		path = "nmcli"
	}
	return &Nmcli{
		Path:      path,
		Interface: iface,
		Run:       execRunner,
		Poll:      nmcliPollInterval,
		events:    make(chan Event, 8),
	}
}

// Events implements Radio.
func (n *Nmcli) Events() <-chan Event {
	return n.events
}

// Connect implements Radio. The attempt runs in the background and its
// outcome is reported on Events. A successful attempt is watched for link
// loss until the next Connect or Disconnect.
func (n *Nmcli) Connect(ctx context.Context, creds Credentials) error {
	if creds.SSID == "" {
		return fmt.Errorf("empty ssid")
	}
	watchCtx := n.restart(context.WithoutCancel(ctx))

	go func() {
		attemptCtx, cancel := context.WithTimeout(watchCtx, nmcliConnectTimeout)
		defer cancel()

		args := []string{"--wait", "30", "device", "wifi", "connect", creds.SSID}
		if creds.Password != "" {
			args = append(args, "password", creds.Password)
		}
		if n.Interface != "" {
			args = append(args, "ifname", n.Interface)
		}
		out, err := n.Run(attemptCtx, n.Path, args...)
		if watchCtx.Err() != nil {
			return
		}
		if err != nil {
			n.emit(watchCtx, Event{Kind: ConnectFailed, Err: fmt.Errorf("nmcli connect: %w: %s", err, bytes.TrimSpace(out))})
			return
		}
		n.emit(watchCtx, Event{Kind: GotIP})
		n.watch(watchCtx)
	}()
	return nil
}

// Disconnect implements Radio.
func (n *Nmcli) Disconnect(ctx context.Context) error {
	n.restart(nil)
	if n.Interface == "" {
		return nil
	}
	out, err := n.Run(ctx, n.Path, "device", "disconnect", n.Interface)
	if err != nil {
		return fmt.Errorf("nmcli disconnect: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// restart cancels the running attempt or watch and, unless parent is nil,
// returns the context of the next one.
func (n *Nmcli) restart(parent context.Context) context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if parent == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	n.cancel = cancel
	return ctx
}

func (n *Nmcli) watch(ctx context.Context) {
	ticker := time.NewTicker(n.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		connected, err := n.connected(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("Failed to query interface state", "iface", n.Interface, "err", err)
			continue
		}
		if !connected {
			n.emit(ctx, Event{Kind: LinkLost, Err: fmt.Errorf("%s is no longer connected", n.Interface)})
			return
		}
	}
}

// connected reports whether the interface is activated with an address.
func (n *Nmcli) connected(ctx context.Context) (bool, error) {
	args := []string{"-t", "-f", "GENERAL.STATE,IP4.ADDRESS", "device", "show"}
	if n.Interface != "" {
		args = append(args, n.Interface)
	}
	out, err := n.Run(ctx, n.Path, args...)
	if err != nil {
		return false, err
	}
	return parseDeviceShow(string(out)), nil
}

// parseDeviceShow reads terse "device show" output such as
//
//	GENERAL.STATE:100 (connected)
//	IP4.ADDRESS[1]:192.168.1.20/24
func parseDeviceShow(out string) bool {
	var up, addr bool
	for _, l := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(l), ":")
		if !ok {
			continue
		}
		switch {
		case key == "GENERAL.STATE":
			up = strings.HasPrefix(val, "100")
		case strings.HasPrefix(key, "IP4.ADDRESS") && val != "":
			addr = true
		}
	}
	return up && addr
}

func (n *Nmcli) emit(ctx context.Context, ev Event) {
	select {
	case n.events <- ev:
	case <-ctx.Done():
	}
}
