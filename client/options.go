// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultAckWindow      = 20
	DefaultMaxMessageSize = 16 * 1024 * 1024
	DefaultReadBufferSize = 64 * 1024
)

// Options configures the SCMP client.
type Options struct {
	// Connection
	ClientName     string        // Requested client name, empty lets the broker choose
	TLSConfig      *tls.Config   // TLS configuration for scmps URLs
	Proxy          string        // Optional socks5:// proxy URL
	ConnectTimeout time.Duration // Bound for dial, TLS, upgrade and CONNECT reply
	Timeout        time.Duration // Bound for every blocking call
	WriteTimeout   time.Duration // Deadline for a single frame write

	// Session
	AckWindow        uint64        // Unacknowledged regular messages before Send blocks, 0 disables
	MembershipInfo   bool          // Ask the broker for ENTER and LEAVE notifications
	MaxSchemaVersion SchemaVersion // Newest schema the client encodes for

	// Limits
	MaxMessageSize int // Largest frame payload accepted or sent
	ReadBufferSize int // Size of the transport read buffer

	// Callbacks
	OnConnect        func()      // Called after a successful Connect
	OnConnectionLost func(error) // Called when the transport fails

	// Observability
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Store persists unacknowledged messages (nil = in-memory).
	Store MessageStore
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:   DefaultConnectTimeout,
		Timeout:          DefaultTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		AckWindow:        DefaultAckWindow,
		MembershipInfo:   true,
		MaxSchemaVersion: DefaultMaxSchemaVersion,
		MaxMessageSize:   DefaultMaxMessageSize,
		ReadBufferSize:   DefaultReadBufferSize,
	}
}

// SetClientName sets the requested client name.
func (o *Options) SetClientName(name string) *Options {
	o.ClientName = name
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetProxy routes connections through a SOCKS5 proxy.
func (o *Options) SetProxy(proxyURL string) *Options {
	o.Proxy = proxyURL
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetTimeout sets the timeout of blocking operations.
func (o *Options) SetTimeout(d time.Duration) *Options {
	o.Timeout = d
	return o
}

// SetWriteTimeout sets the frame write deadline.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetAckWindow sets the acknowledgment window. Zero disables buffering and
// backpressure.
func (o *Options) SetAckWindow(n uint64) *Options {
	o.AckWindow = n
	return o
}

// SetMembershipInfo enables or disables membership notifications.
func (o *Options) SetMembershipInfo(enable bool) *Options {
	o.MembershipInfo = enable
	return o
}

// SetMaxSchemaVersion sets the newest schema version the client supports.
func (o *Options) SetMaxSchemaVersion(v SchemaVersion) *Options {
	o.MaxSchemaVersion = v
	return o
}

// SetMaxMessageSize sets the largest accepted frame payload.
func (o *Options) SetMaxMessageSize(n int) *Options {
	o.MaxMessageSize = n
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMeterProvider sets the OpenTelemetry meter provider.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the OpenTelemetry tracer provider.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// SetStore sets the message store for unacknowledged messages.
func (o *Options) SetStore(store MessageStore) *Options {
	o.Store = store
	return o
}

// Validate checks the options for errors and fills unset collaborators.
func (o *Options) Validate() error {
	if o.Timeout < 0 || o.ConnectTimeout < 0 || o.WriteTimeout < 0 {
		return &Error{Result: ErrGeneric, Message: "timeouts must not be negative"}
	}
	if o.MaxMessageSize < 0 {
		return &Error{Result: ErrGeneric, Message: "max message size must not be negative"}
	}
	if len(o.ClientName) > 128 {
		return &Error{Result: ErrGeneric, Message: "client name exceeds 128 characters"}
	}
	if o.MaxSchemaVersion.IsZero() {
		o.MaxSchemaVersion = DefaultMaxSchemaVersion
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	return nil
}
