// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/console"
	"github.com/ffutop/boardlink/internal/core"
	"github.com/ffutop/boardlink/internal/expander"
	"github.com/ffutop/boardlink/internal/metrics"
	"github.com/ffutop/boardlink/internal/module"
	"github.com/ffutop/boardlink/internal/ota"
	"github.com/ffutop/boardlink/internal/partition"
	"github.com/ffutop/boardlink/internal/reboot"
	"github.com/ffutop/boardlink/internal/retained"
	"github.com/ffutop/boardlink/internal/wifi"
	"github.com/ffutop/boardlink/internal/wireflash"
	"github.com/ffutop/boardlink/line/bus"
	"github.com/ffutop/boardlink/transport/tcp"
	"github.com/ffutop/boardlink/transport/uart"
)

// version is reported when the running partition carries no descriptor.
var version = "dev"

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	// Load Configuration
	cfg, err := config.LoadConfig(fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting boardlink...", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("boardlink stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	state, err := retained.Load(cfg.State.Path)
	if err != nil {
		return err
	}
	rebooter, err := reboot.New(cfg.Reboot.Mode, state)
	if err != nil {
		return err
	}

	firmware, err := partition.Open(cfg.Partitions)
	if err != nil {
		return err
	}
	defer firmware.Close()
	rebooter.BeforeReboot = func() {
		if err := firmware.Sync(); err != nil {
			slog.Warn("Failed to sync partitions before reboot", "err", err)
		}
	}

	channels := make(map[string]*uart.Channel, len(cfg.Channels))
	defer func() {
		for _, ch := range channels {
			ch.Deinstall()
		}
	}()
	for _, chCfg := range cfg.Channels {
		ch, err := uart.Open(chCfg)
		if err != nil {
			return err
		}
		channels[chCfg.Name] = ch
	}

	worker := ota.NewWorker(cfg.Loop.QueueSize)

	// A nil *Supervisor must not reach core as a non-nil Link.
	var (
		supervisor *wifi.Supervisor
		link       core.Link
	)
	if cfg.Wifi.Interface != "" {
		supervisor = wifi.NewSupervisor(wifi.NewNmcli(cfg.Wifi.Nmcli, cfg.Wifi.Interface), cfg.Wifi.MaxRetries)
		link = supervisor
	}

	registry := module.NewRegistry()
	defer registry.Close()
	loop := NewLoop(registry, cfg.Loop)

	c := core.New(version, firmware, state, worker, link, rebooter)
	if err := registry.Register(c); err != nil {
		return err
	}
	if err := c.VerifyBoot(); err != nil {
		slog.Error("Boot verification failed", "err", err)
	}

	if cfg.OTA.UARTChannel != "" {
		worker.Receiver = ota.NewReceiver(channels[cfg.OTA.UARTChannel], firmware, rebooter, cfg.OTA)
	}
	if supervisor != nil {
		fetcher, err := ota.NewFetcher(firmware, supervisor, rebooter, cfg.OTA)
		if err != nil {
			return err
		}
		fetcher.BeforeReboot = func() {
			c.MarkUpdated()
			if err := supervisor.Shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to shut down Wi-Fi", "err", err)
			}
		}
		worker.Fetcher = fetcher
		supervisor.OnAssociated = c.AttemptPending
	}
	if cfg.Wire.Channel != "" {
		worker.Wire = wireflash.NewSender(channels[cfg.Wire.Channel], firmware.Running(), cfg.Wire)
	}

	var (
		bridge *console.MQTT
		pub    PeerPublisher
	)
	if cfg.MQTT.Broker != "" {
		bridge = console.NewMQTT(cfg.MQTT, loop.Handle)
		pub = bridge
	}

	if err := setupPeers(cfg, channels, registry, loop.peerHandler(c, pub)); err != nil {
		return err
	}
	for _, chCfg := range cfg.Channels {
		ch, ok := channels[chCfg.Name]
		if !ok {
			continue // owned by an expander
		}
		serial := core.NewSerial(chCfg.Name, ch, worker, chCfg.Name == cfg.Wire.Channel)
		if err := registry.Register(serial); err != nil {
			return err
		}
	}
	slog.Info("Modules registered", "modules", registry.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	if supervisor != nil {
		g.Go(func() error { return supervisor.Run(gctx) })
	}
	if cfg.Console.Address != "" {
		server := tcp.NewServer(cfg.Console.Address)
		g.Go(func() error { return server.Start(gctx, loop.Handle) })
	}
	if bridge != nil {
		g.Go(func() error { return bridge.Start(gctx) })
	}
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Address, cfg.Metrics.Path) })
	}

	// Wait for Signal
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			slog.Info("Shutting down...")
			cancel()
		case <-gctx.Done():
		}
	}()

	return g.Wait()
}

// setupPeers registers one proxy per configured expander. A channel used by
// an expander is removed from channels. External expanders sharing a
// channel get their bus endpoints before any of them waits for its peer, so
// that no boot banner is dropped as addressed to an unknown endpoint.
func setupPeers(cfg *config.Config, channels map[string]*uart.Channel, registry *module.Registry, handler module.MessageHandler) error {
	buses := make(map[string]*bus.Bus)
	endpoints := make(map[string]*bus.Endpoint)
	for _, ex := range cfg.Expanders {
		if ex.Type != "external" {
			continue
		}
		b, ok := buses[ex.Channel]
		if !ok {
			b = bus.New(ex.Channel, channels[ex.Channel], ex.HexAddress)
			buses[ex.Channel] = b
		}
		ep, err := b.Endpoint(byte(ex.Address))
		if err != nil {
			return fmt.Errorf("expander %q: %w", ex.Name, err)
		}
		endpoints[ex.Name] = ep
	}

	for _, ex := range cfg.Expanders {
		opts := []expander.Option{
			expander.WithBootTimeout(ex.BootTimeout),
			expander.WithCallTarget(ex.CallTarget),
		}
		var m module.Module
		switch ex.Type {
		case "external":
			m = expander.NewExternal(ex.Name, endpoints[ex.Name], handler, opts...)
		default:
			e, err := expander.New(ex.Name, channels[ex.Channel], handler, opts...)
			if err != nil {
				return err
			}
			m = e
		}
		if err := registry.Register(m); err != nil {
			return err
		}
	}
	for _, ex := range cfg.Expanders {
		delete(channels, ex.Channel)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
