// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/internal/otel"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/pkg/tls"
	"github.com/absmach/scmp/ratelimit"
	"github.com/absmach/scmp/reconnect"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an SCMP client program.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
	Publish    PublishConfig    `yaml:"publish"`
	Reconnect  reconnect.Config `yaml:"reconnect"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Otel       otel.Config      `yaml:"otel"`
}

// ConnectionConfig holds the broker address and session parameters.
type ConnectionConfig struct {
	Address        string        `yaml:"address"`     // scmp[s]://[user[:pass]@]host[:port][/path]/queue[?ack=N]
	ClientName     string        `yaml:"client_name"` // empty lets the broker choose
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AckWindow      uint64        `yaml:"ack_window"`
	MembershipInfo bool          `yaml:"membership_info"`
	MaxMessageSize int           `yaml:"max_message_size"`
	Proxy          string        `yaml:"proxy"` // socks5://host:port
	TLS            tls.Config    `yaml:"tls"`
}

// SubscribeConfig lists the groups joined at connect.
type SubscribeConfig struct {
	Groups []string `yaml:"groups"`
}

// PublishConfig holds defaults for published messages.
type PublishConfig struct {
	Group       string           `yaml:"group"`
	ContentType string           `yaml:"content_type"` // MIME type, e.g. text/json
	Encoding    string           `yaml:"encoding"`     // identity, deflate, gzip, lz4
	Transient   bool             `yaml:"transient"`
	RateLimit   ratelimit.Config `yaml:"rate_limit"`
}

// StorageConfig holds storage backend configuration for unacknowledged
// messages.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Address:        "scmp://localhost/production",
			ConnectTimeout: client.DefaultConnectTimeout,
			Timeout:        client.DefaultTimeout,
			WriteTimeout:   client.DefaultWriteTimeout,
			AckWindow:      client.DefaultAckWindow,
			MembershipInfo: true,
			MaxMessageSize: client.DefaultMaxMessageSize,
		},
		Publish: PublishConfig{
			Group:       "PICK",
			ContentType: content.JSON.String(),
			Encoding:    content.Identity.String(),
			RateLimit:   ratelimit.DefaultConfig(),
		},
		Reconnect: reconnect.DefaultConfig(),
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/scmp/outbox",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: otel.DefaultConfig(),
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := client.ParseURL(c.Connection.Address); err != nil {
		return fmt.Errorf("connection.address: %w", err)
	}
	if len(c.Connection.ClientName) > 128 {
		return fmt.Errorf("connection.client_name cannot exceed 128 characters")
	}
	if c.Connection.ConnectTimeout < 0 || c.Connection.Timeout < 0 || c.Connection.WriteTimeout < 0 {
		return fmt.Errorf("connection timeouts cannot be negative")
	}
	if c.Connection.MaxMessageSize < 1024 {
		return fmt.Errorf("connection.max_message_size must be at least 1KB")
	}
	if (c.Connection.TLS.CertFile == "") != (c.Connection.TLS.KeyFile == "") {
		return fmt.Errorf("connection.tls.cert_file and connection.tls.key_file must be set together")
	}

	if c.Publish.ContentType != "" {
		if _, err := content.ParseType(c.Publish.ContentType); err != nil {
			return fmt.Errorf("publish.content_type: %w", err)
		}
	}
	if _, err := content.ParseEncoding(c.Publish.Encoding); err != nil {
		return fmt.Errorf("publish.encoding: %w", err)
	}
	if rl := c.Publish.RateLimit; rl.Enabled {
		if rl.Message.Enabled && (rl.Message.Rate <= 0 || rl.Message.Burst < 1) {
			return fmt.Errorf("publish.rate_limit.message rate and burst must be positive")
		}
		if rl.Subscribe.Enabled && (rl.Subscribe.Rate <= 0 || rl.Subscribe.Burst < 1) {
			return fmt.Errorf("publish.rate_limit.subscribe rate and burst must be positive")
		}
	}

	if r := c.Reconnect; r.Enabled {
		if r.Retry.InitialInterval <= 0 {
			return fmt.Errorf("reconnect.retry.initial_interval must be positive")
		}
		if r.Retry.Multiplier < 1 {
			return fmt.Errorf("reconnect.retry.multiplier must be at least 1")
		}
		if r.Retry.MaxAttempts < 0 {
			return fmt.Errorf("reconnect.retry.max_attempts cannot be negative")
		}
		if r.CircuitBreaker.FailureThreshold > 0 && r.CircuitBreaker.ResetTimeout <= 0 {
			return fmt.Errorf("reconnect.circuit_breaker.reset_timeout must be positive")
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when storage type is badger")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.Enabled() {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when export is enabled")
		}
		if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0 and 1")
		}
	}

	return nil
}

// ClientOptions builds client options from the connection section.
func (c *Config) ClientOptions() (*client.Options, error) {
	tlsConfig, err := tls.LoadClientConfig(&c.Connection.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	opts := client.NewOptions().
		SetClientName(c.Connection.ClientName).
		SetTLSConfig(tlsConfig).
		SetProxy(c.Connection.Proxy).
		SetConnectTimeout(c.Connection.ConnectTimeout).
		SetTimeout(c.Connection.Timeout).
		SetWriteTimeout(c.Connection.WriteTimeout).
		SetAckWindow(c.Connection.AckWindow).
		SetMembershipInfo(c.Connection.MembershipInfo).
		SetMaxMessageSize(c.Connection.MaxMessageSize)

	return opts, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
