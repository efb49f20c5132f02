// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package console bridges remote command sources to the control loop.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/transport"
)

const (
	publishTimeout = 2 * time.Second
	disconnectWait = 250 // milliseconds
)

// Reply is published on <prefix>/reply for every command.
type Reply struct {
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// publisher is the part of mqtt.Client used after connecting.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT receives commands on <prefix>/cmd and publishes replies and peer
// messages under the same prefix.
type MQTT struct {
	cfg     config.MQTTConfig
	handler transport.LineHandler
	ctx     context.Context

	mu     sync.Mutex
	client mqtt.Client
	pub    publisher
}

// NewMQTT returns a bridge feeding commands to handler.
func NewMQTT(cfg config.MQTTConfig, handler transport.LineHandler) *MQTT {
	if cfg.Prefix == "" {
		cfg.Prefix = "boardlink"
	}
	return &MQTT{cfg: cfg, handler: handler, ctx: context.Background()}
}

func (m *MQTT) topic(parts ...string) string {
	return m.cfg.Prefix + "/" + strings.Join(parts, "/")
}

// Start connects to the broker and serves commands until ctx is done.
func (m *MQTT) Start(ctx context.Context) error {
	m.ctx = ctx
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", m.cfg.Broker, "err", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		slog.Info("Connected to MQTT broker", "broker", m.cfg.Broker)
		// Subscriptions do not survive a reconnect with a clean session.
		token := client.Subscribe(m.topic("cmd"), 1, func(client mqtt.Client, msg mqtt.Message) {
			m.onCommand(msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			slog.Error("Failed to subscribe", "topic", m.topic("cmd"), "err", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", m.cfg.Broker, token.Error())
	}
	m.mu.Lock()
	m.client, m.pub = client, client
	m.mu.Unlock()

	<-ctx.Done()
	m.mu.Lock()
	m.client, m.pub = nil, nil
	m.mu.Unlock()
	client.Disconnect(disconnectWait)
	slog.Info("MQTT bridge stopped")
	return nil
}

func (m *MQTT) onCommand(payload []byte) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return
	}
	reply := Reply{Command: text}
	out, err := m.handler(m.ctx, text)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Output = out
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("Failed to encode reply", "err", err)
		return
	}
	m.publish(m.topic("reply"), data)
}

// PublishPeer forwards a message relayed by a peer to <prefix>/peer/<name>.
// It is a no-op until the bridge is connected.
func (m *MQTT) PublishPeer(peer, msg string) {
	m.publish(m.topic("peer", peer), []byte(msg))
}

func (m *MQTT) publish(topic string, payload []byte) {
	m.mu.Lock()
	client, pub := m.client, m.pub
	m.mu.Unlock()
	if pub == nil {
		return
	}
	if client != nil && !client.IsConnected() {
		return
	}
	token := pub.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("Failed to publish MQTT message", "topic", topic, "err", err)
	}
}
