// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ErrProxyScheme is returned for proxy URLs other than socks5.
var ErrProxyScheme = errors.New("unsupported proxy scheme")

// Target is the broker endpoint to open.
type Target struct {
	Host        string
	Port        int
	Secure      bool
	Path        string
	Username    string
	Password    string
	Credentials bool
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DialOptions tune how the stream is established.
type DialOptions struct {
	// TLSConfig is cloned for secure targets. A nil value uses defaults.
	TLSConfig *tls.Config
	// Proxy is an optional socks5:// URL.
	Proxy string
	// Timeout bounds the TCP connect, TLS and HTTP upgrade together.
	Timeout        time.Duration
	ReadBufferSize int
	MaxMessageSize int
}

// Open dials the target, upgrades it to WebSocket and returns the connection.
func Open(ctx context.Context, target Target, opts DialOptions) (*Conn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	nc, err := dialStream(ctx, target, opts)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})

	req := Request{
		Host:        target.Addr(),
		Path:        target.Path,
		Username:    target.Username,
		Password:    target.Password,
		Credentials: target.Credentials,
		Key:         NewKey(),
	}

	bufSize := opts.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}
	leftover, stats, err := Negotiate(nc, req, make([]byte, bufSize))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		nc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil && !isHandshakeError(err) {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	return NewConn(nc, leftover, stats, bufSize, opts.MaxMessageSize), nil
}

func dialStream(ctx context.Context, target Target, opts DialOptions) (net.Conn, error) {
	var d proxy.ContextDialer = &net.Dialer{}
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, err
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return nil, fmt.Errorf("%w: %s", ErrProxyScheme, u.Scheme)
		}
		pd, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, err
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: dialer does not support contexts", ErrProxyScheme)
		}
		d = cd
	}

	nc, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, err
	}
	if !target.Secure {
		return nc, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = target.Host
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return tc, nil
}

func isHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}
