// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Channels   []ChannelConfig  `mapstructure:"channels"`
	Expanders  []ExpanderConfig `mapstructure:"expanders"`
	Partitions PartitionConfig  `mapstructure:"partitions"`
	OTA        OTAConfig        `mapstructure:"ota"`
	Wire       WireConfig       `mapstructure:"wire"`
	Wifi       WifiConfig       `mapstructure:"wifi"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	State      StateConfig      `mapstructure:"state"`
	Reboot     RebootConfig     `mapstructure:"reboot"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LoopConfig defines the control loop cadence.
type LoopConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	QueueSize int           `mapstructure:"queue_size"`
}

// ChannelConfig defines a line channel bound to one UART.
type ChannelConfig struct {
	Name     string       `mapstructure:"name"`      // Module name, e.g. "serial"
	UART     string       `mapstructure:"uart"`      // Ownership key, defaults to the device path
	RxBuffer int          `mapstructure:"rx_buffer"` // Receive buffer capacity in bytes
	Serial   SerialConfig `mapstructure:"serial"`
}

// SerialConfig defines UART settings. A device of the form "tcp://host:port"
// reaches the UART through a serial-over-TCP bridge.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // Per-read timeout of the driver

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// ExpanderConfig defines a remote peer reached over a line channel.
type ExpanderConfig struct {
	Name        string        `mapstructure:"name"`
	Type        string        `mapstructure:"type"`         // "expander" or "external"
	Channel     string        `mapstructure:"channel"`      // Name of a ChannelConfig
	Address     int           `mapstructure:"address"`      // Bus address, "external" only
	HexAddress  bool          `mapstructure:"hex_address"`  // Two hex chars instead of one digit
	BootTimeout time.Duration `mapstructure:"boot_timeout"` // Wait for "Ready."
	CallTarget  string        `mapstructure:"call_target"`  // Remote module receiving generic calls
}

// PartitionConfig defines the A/B application partitions.
type PartitionConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Dir  string `mapstructure:"dir"`  // Directory for "file/mmap" type
	Size int64  `mapstructure:"size"` // Bytes per partition
}

// OTAConfig defines the UART and network update paths.
type OTAConfig struct {
	UARTChannel        string        `mapstructure:"uart_channel"`    // Channel that carries UART images
	SilenceTimeout     time.Duration `mapstructure:"silence_timeout"` // End of UART stream
	ChunkSize          int           `mapstructure:"chunk_size"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	S3                 S3Config      `mapstructure:"s3"`
}

// S3Config defines the object storage used for s3:// image URLs.
type S3Config struct {
	Endpoint           string `mapstructure:"endpoint"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	UseSSL             bool   `mapstructure:"use_ssl"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// WireConfig defines the ROM bootloader handshake used for wire reflash.
type WireConfig struct {
	Channel     string        `mapstructure:"channel"`
	BaudRate    int           `mapstructure:"baud_rate"`
	Trials      int           `mapstructure:"trials"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
	ResetHold   time.Duration `mapstructure:"reset_hold"`
	BootHold    time.Duration `mapstructure:"boot_hold"`
	ChunkSize   int           `mapstructure:"chunk_size"`
}

// WifiConfig defines the connection supervisor.
type WifiConfig struct {
	Interface  string `mapstructure:"interface"`
	MaxRetries int    `mapstructure:"max_retries"`
	Nmcli      string `mapstructure:"nmcli"` // Path to nmcli
}

// MQTTConfig defines the remote command bridge. Empty broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"` // e.g. "tcp://192.168.1.10:1883"
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// ConsoleConfig defines the TCP command console. Empty address disables it.
type ConsoleConfig struct {
	Address string `mapstructure:"address"` // e.g. "127.0.0.1:7070"
}

// MetricsConfig defines the Prometheus endpoint. Empty address disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// StateConfig defines where state surviving a software reboot is kept.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// RebootConfig selects how a restart is performed.
type RebootConfig struct {
	Mode string `mapstructure:"mode"` // "exit" or "system"
}

// RegisterFlags defines the command line flags understood by LoadConfig.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log.level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log.file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.String("console.address", "", "TCP command console address.")
	fs.String("metrics.address", "", "Prometheus metrics listen address.")
}

// LoadConfig loads configuration from the file named by the "config" flag,
// with flags taking precedence over file values.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind pflags: %w", err)
		}
	}

	configFile := v.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/boardlink/")
		v.AddConfigPath("$HOME/.boardlink")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// Flags and defaults alone are a valid configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("loop.interval", 10*time.Millisecond)
	v.SetDefault("loop.queue_size", 100)
	v.SetDefault("partitions.type", "file")
	v.SetDefault("partitions.dir", "/var/lib/boardlink")
	v.SetDefault("partitions.size", 1536*1024)
	v.SetDefault("ota.silence_timeout", 800*time.Millisecond)
	v.SetDefault("ota.chunk_size", 1024)
	v.SetDefault("ota.http_timeout", 10*time.Second)
	v.SetDefault("wire.baud_rate", 115200)
	v.SetDefault("wire.trials", 4)
	v.SetDefault("wire.sync_timeout", 100*time.Millisecond)
	v.SetDefault("wire.reset_hold", 100*time.Millisecond)
	v.SetDefault("wire.boot_hold", 50*time.Millisecond)
	v.SetDefault("wire.chunk_size", 1024)
	v.SetDefault("wifi.max_retries", 10)
	v.SetDefault("wifi.nmcli", "nmcli")
	v.SetDefault("mqtt.client_id", "boardlink")
	v.SetDefault("mqtt.prefix", "boardlink")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("state.path", "/var/lib/boardlink/retained.yaml")
	v.SetDefault("reboot.mode", "exit")
}

// fixup validates the configuration and fills per-element defaults.
func (c *Config) fixup() error {
	names := make(map[string]struct{}, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Name == "" {
			return fmt.Errorf("channel %d: name is required", i)
		}
		if _, dup := names[ch.Name]; dup {
			return fmt.Errorf("channel %q: duplicate name", ch.Name)
		}
		names[ch.Name] = struct{}{}
		fixupSerial(&ch.Serial)
		if ch.UART == "" {
			ch.UART = ch.Serial.Device
		}
		if ch.RxBuffer <= 0 {
			ch.RxBuffer = 2048
		}
	}

	// Channel name to the expander type using it. A point-to-point
	// expander owns its channel, external expanders may share one.
	owners := make(map[string]string)
	for i := range c.Expanders {
		ex := &c.Expanders[i]
		ex.Type = strings.ToLower(ex.Type)
		if ex.Type == "" {
			ex.Type = "expander"
		}
		if ex.Type != "expander" && ex.Type != "external" {
			return fmt.Errorf("expander %q: unknown type %q", ex.Name, ex.Type)
		}
		if _, ok := names[ex.Channel]; !ok {
			return fmt.Errorf("expander %q: unknown channel %q", ex.Name, ex.Channel)
		}
		if prev, ok := owners[ex.Channel]; ok && (prev == "expander" || ex.Type == "expander") {
			return fmt.Errorf("expander %q: channel %q is already in use", ex.Name, ex.Channel)
		}
		owners[ex.Channel] = ex.Type
		if ex.Type == "external" && (ex.Address < 0 || ex.Address > 0xFF) {
			return fmt.Errorf("expander %q: address %d out of range", ex.Name, ex.Address)
		}
		if ex.BootTimeout == 0 {
			ex.BootTimeout = time.Second
		}
		if ex.CallTarget == "" {
			ex.CallTarget = "core"
		}
	}

	if c.OTA.UARTChannel != "" {
		if _, ok := names[c.OTA.UARTChannel]; !ok {
			return fmt.Errorf("ota: unknown uart channel %q", c.OTA.UARTChannel)
		}
		if _, ok := owners[c.OTA.UARTChannel]; ok {
			return fmt.Errorf("ota: uart channel %q is used by an expander", c.OTA.UARTChannel)
		}
	}
	if c.Wire.Channel != "" {
		if _, ok := names[c.Wire.Channel]; !ok {
			return fmt.Errorf("wire: unknown channel %q", c.Wire.Channel)
		}
		if _, ok := owners[c.Wire.Channel]; ok {
			return fmt.Errorf("wire: channel %q is used by an expander", c.Wire.Channel)
		}
	}
	c.Partitions.Type = strings.ToLower(c.Partitions.Type)
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 115200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Millisecond
	}
}
