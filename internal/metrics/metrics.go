// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every boardlink metric.
var Registry = prometheus.NewRegistry()

var (
	// ProtocolErrors counts dropped lines by channel and error code.
	ProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardlink_protocol_errors_total",
			Help: "Lines dropped because of checksum, framing or length errors.",
		},
		[]string{"channel", "code"},
	)

	// LinesReceived counts validated lines by channel.
	LinesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardlink_lines_received_total",
			Help: "Validated lines delivered to a consumer.",
		},
		[]string{"channel"},
	)

	// PeerMessages counts "!!" messages dispatched from remote peers.
	PeerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardlink_peer_messages_total",
			Help: "Inter-module messages dispatched to the command handler.",
		},
		[]string{"peer"},
	)

	// UpdateBytes counts image bytes written to flash or sent over the wire.
	UpdateBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardlink_update_bytes_total",
			Help: "Firmware bytes moved by an update path.",
		},
		[]string{"path"}, // uart, network, wire
	)

	// UpdateSessions counts finished update sessions by outcome.
	UpdateSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardlink_update_sessions_total",
			Help: "Finished update sessions.",
		},
		[]string{"path", "outcome"}, // outcome: done, aborted, failed
	)

	// WifiRetries is the current consecutive reconnect count.
	WifiRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardlink_wifi_retries",
			Help: "Consecutive link-loss reconnect attempts.",
		},
	)

	// WifiAssociated is 1 while the radio holds an address.
	WifiAssociated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardlink_wifi_associated",
			Help: "Association status (1=associated, 0=not associated).",
		},
	)
)

func init() {
	Registry.MustRegister(
		ProtocolErrors,
		LinesReceived,
		PeerMessages,
		UpdateBytes,
		UpdateSessions,
		WifiRetries,
		WifiAssociated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on address until ctx is done.
func Serve(ctx context.Context, address, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics endpoint listening", "addr", address, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
