// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles what a client sends to the broker.
package ratelimit

import (
	"context"
	"sync"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/pkg/content"
	"golang.org/x/time/rate"
)

// GroupRateLimiter keeps one token bucket per destination group.
type GroupRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewGroupRateLimiter creates a limiter allowing r events per second per
// group with the given burst.
func NewGroupRateLimiter(r float64, burst int) *GroupRateLimiter {
	return &GroupRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (l *GroupRateLimiter) limiter(group string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[group]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[group] = limiter
	}
	return limiter
}

// Allow reports whether an event for group may happen now.
func (l *GroupRateLimiter) Allow(group string) bool {
	return l.limiter(group).Allow()
}

// Wait blocks until an event for group is allowed or ctx is done.
func (l *GroupRateLimiter) Wait(ctx context.Context, group string) error {
	return l.limiter(group).Wait(ctx)
}

// RemoveGroup forgets the bucket of a group.
func (l *GroupRateLimiter) RemoveGroup(group string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, group)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Message   MessageConfig   `yaml:"message"`
	Subscribe SubscribeConfig `yaml:"subscribe"`
}

// MessageConfig holds per-group publish rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per group
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscription changes per second
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    10,
			Burst:   10,
		},
	}
}

// Session is the part of the client a Publisher throttles.
type Session interface {
	SendData(ctx context.Context, group string, data []byte, t client.MessageType, enc content.Encoding, ct content.Type) error
	SendMessage(ctx context.Context, group string, v any, t client.MessageType, enc content.Encoding, ct content.Type) error
	Subscribe(ctx context.Context, group string) error
	Unsubscribe(ctx context.Context, group string) error
}

var _ Session = (*client.Client)(nil)

// Publisher delays sends and subscription changes so they stay within the
// configured rates. A rate limited call blocks instead of failing.
type Publisher struct {
	session   Session
	messages  *GroupRateLimiter
	subscribe *rate.Limiter
}

// NewPublisher wraps s. With a disabled config every call passes through.
func NewPublisher(s Session, cfg Config) *Publisher {
	p := &Publisher{session: s}
	if !cfg.Enabled {
		return p
	}
	if cfg.Message.Enabled {
		p.messages = NewGroupRateLimiter(cfg.Message.Rate, cfg.Message.Burst)
	}
	if cfg.Subscribe.Enabled {
		p.subscribe = rate.NewLimiter(rate.Limit(cfg.Subscribe.Rate), cfg.Subscribe.Burst)
	}
	return p
}

func (p *Publisher) waitSend(ctx context.Context, group string) error {
	if p.messages == nil {
		return nil
	}
	if err := p.messages.Wait(ctx, group); err != nil {
		return &client.Error{Result: client.ErrTimeout, Err: err}
	}
	return nil
}

func (p *Publisher) waitSubscribe(ctx context.Context) error {
	if p.subscribe == nil {
		return nil
	}
	if err := p.subscribe.Wait(ctx); err != nil {
		return &client.Error{Result: client.ErrTimeout, Err: err}
	}
	return nil
}

// SendData sends raw data once the group's bucket allows it.
func (p *Publisher) SendData(ctx context.Context, group string, data []byte, t client.MessageType, enc content.Encoding, ct content.Type) error {
	if err := p.waitSend(ctx, group); err != nil {
		return err
	}
	return p.session.SendData(ctx, group, data, t, enc, ct)
}

// SendMessage encodes and sends v once the group's bucket allows it.
func (p *Publisher) SendMessage(ctx context.Context, group string, v any, t client.MessageType, enc content.Encoding, ct content.Type) error {
	if err := p.waitSend(ctx, group); err != nil {
		return err
	}
	return p.session.SendMessage(ctx, group, v, t, enc, ct)
}

// Subscribe joins group once the subscription bucket allows it.
func (p *Publisher) Subscribe(ctx context.Context, group string) error {
	if err := p.waitSubscribe(ctx); err != nil {
		return err
	}
	return p.session.Subscribe(ctx, group)
}

// Unsubscribe leaves group once the subscription bucket allows it.
func (p *Publisher) Unsubscribe(ctx context.Context, group string) error {
	if err := p.waitSubscribe(ctx); err != nil {
		return err
	}
	return p.session.Unsubscribe(ctx, group)
}
