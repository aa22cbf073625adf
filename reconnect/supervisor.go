// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reconnect re-establishes lost SCMP sessions. The client never
// reconnects by itself; a Supervisor decides when to call Connect again.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/sony/gobreaker"
)

// Config holds reconnect configuration.
type Config struct {
	Enabled        bool                 `yaml:"enabled"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds the backoff between failed attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"` // 0 retries forever
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Retry: RetryConfig{
			MaxAttempts:     0,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
		},
	}
}

// Connector is the part of the client a Supervisor drives.
type Connector interface {
	Connect(ctx context.Context, address, clientName string) error
}

var _ Connector = (*client.Client)(nil)

// Supervisor connects a client and connects it again whenever Lost reports
// that the transport failed.
type Supervisor struct {
	conn    Connector
	address string
	name    string
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	lost    chan error
	logger  *slog.Logger
}

// New creates a supervisor. Wire Lost into the client's OnConnectionLost
// callback.
func New(conn Connector, address, clientName string, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		conn:    conn,
		address: address,
		name:    clientName,
		cfg:     cfg,
		lost:    make(chan error, 1),
		logger:  logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.CircuitBreaker.FailureThreshold > 0 &&
				counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			// Permanent errors say nothing about broker health.
			return err == nil || permanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("scmp_reconnect_breaker_state_changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return s
}

// Lost reports a connection loss. It never blocks.
func (s *Supervisor) Lost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

// Run connects and keeps the session up until ctx is done, the retry budget
// is exhausted or Connect fails with an error retrying cannot fix.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := s.breaker.Execute(func() (interface{}, error) {
			err := s.conn.Connect(ctx, s.address, s.name)
			if errors.Is(err, client.ErrAlreadyConnected) {
				return nil, nil
			}
			return nil, err
		})

		if err == nil {
			if attempt > 0 {
				s.logger.Info("scmp_reconnected", slog.Int("attempts", attempt))
			}
			attempt = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cause := <-s.lost:
				s.logger.Warn("scmp_reconnect_scheduled", slog.Any("cause", cause))
				continue
			}
		}

		var delay time.Duration
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			delay = s.cfg.CircuitBreaker.ResetTimeout
		case permanent(err):
			return err
		default:
			attempt++
			if s.cfg.Retry.MaxAttempts > 0 && attempt >= s.cfg.Retry.MaxAttempts {
				return err
			}
			delay = s.delay(attempt - 1)
			s.logger.Debug("scmp_reconnect_failed",
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.String("error", err.Error()))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// delay calculates exponential backoff delay.
func (s *Supervisor) delay(attempt int) time.Duration {
	cfg := s.cfg.Retry
	d := float64(cfg.InitialInterval)
	for i := 0; i < attempt; i++ {
		d *= cfg.Multiplier
		if cfg.MaxInterval > 0 && d > float64(cfg.MaxInterval) {
			break
		}
	}
	if cfg.MaxInterval > 0 && d > float64(cfg.MaxInterval) {
		d = float64(cfg.MaxInterval)
	}
	return time.Duration(d)
}

// permanent reports errors that another attempt would repeat.
func permanent(err error) bool {
	r := client.ResultOf(err)
	return r.Category() == client.CategoryURL || r == client.ErrClientClosed
}
