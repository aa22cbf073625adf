// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command scmp is a command line SCMP client. It listens to groups, publishes
// test messages or runs a publish and receive self test against a broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/config"
	"github.com/absmach/scmp/internal/otel"
	"github.com/absmach/scmp/pkg/tls"
	"github.com/absmach/scmp/reconnect"
	"github.com/absmach/scmp/storage/badger"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "listen", "One of: listen, publish, selftest")
	address := flag.String("address", "", "Broker URL, overrides connection.address")
	name := flag.String("name", "", "Client name, overrides connection.client_name")
	groups := flag.String("groups", "", "Comma separated groups to subscribe, overrides subscribe.groups")
	count := flag.Int("n", 1000, "Number of messages to publish")
	clients := flag.Int("clients", 1, "Number of concurrent publishing clients")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Connection.Address = *address
	}
	if *name != "" {
		cfg.Connection.ClientName = *name
	}
	if *groups != "" {
		cfg.Subscribe.Groups = strings.Split(*groups, ",")
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Connection.ClientName == "" {
		cfg.Connection.ClientName = "scmp-" + uuid.NewString()[:8]
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.InitProvider(ctx, cfg.Otel, cfg.Connection.ClientName)
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("OpenTelemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("Starting SCMP client",
		"mode", *mode,
		"address", cfg.Connection.Address,
		"client_name", cfg.Connection.ClientName,
		"groups", cfg.Subscribe.Groups,
		"storage", cfg.Storage.Type,
		"reconnect", cfg.Reconnect.Enabled)

	switch *mode {
	case "listen":
		err = listen(ctx, cfg, logger)
	case "publish":
		err = publishAll(ctx, cfg, *clients, *count, logger)
	case "selftest":
		err = selfTest(ctx, cfg, *count, logger)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("SCMP client failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// session is a client with its store and optional supervisor.
type session struct {
	client     *client.Client
	supervisor *reconnect.Supervisor
	store      client.MessageStore
	address    string
	name       string
	logger     *slog.Logger
}

func newSession(cfg *config.Config, name string, logger *slog.Logger) (*session, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	logger.Info("Transport security", "status", tls.SecurityStatus(opts.TLSConfig))

	s := &session{
		address: cfg.Connection.Address,
		name:    name,
		logger:  logger.With(slog.String("client", name)),
	}
	opts.SetClientName(name).SetLogger(s.logger)

	if cfg.Storage.Type == "badger" {
		store, err := badger.Open(badger.Config{Dir: cfg.Storage.BadgerDir}, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		opts.SetStore(store)
		s.store = store
		s.logger.Info("Using BadgerDB outbox storage", "dir", cfg.Storage.BadgerDir)
	}

	if cfg.Reconnect.Enabled {
		opts.SetOnConnectionLost(func(err error) { s.supervisor.Lost(err) })
	}

	c, err := client.New(opts)
	if err != nil {
		if s.store != nil {
			s.store.Close()
		}
		return nil, err
	}
	s.client = c

	if cfg.Reconnect.Enabled {
		s.supervisor = reconnect.New(c, s.address, name, cfg.Reconnect, s.logger)
	}

	for _, g := range cfg.Subscribe.Groups {
		if g = strings.TrimSpace(g); g == "" {
			continue
		}
		if err := c.Subscribe(context.Background(), g); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to subscribe %s: %w", g, err)
		}
	}

	return s, nil
}

// start connects directly, or hands the connection to the supervisor and
// waits for its first session.
func (s *session) start(ctx context.Context) error {
	if s.supervisor == nil {
		return s.client.Connect(ctx, s.address, s.name)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.supervisor.Run(ctx) }()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !s.client.IsConnected() {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
		}
	}
	return nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.client.IsConnected() {
		if err := s.client.Disconnect(ctx); err != nil {
			s.logger.Warn("Disconnect failed", "error", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("Close failed", "error", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Store close failed", "error", err)
		}
	}
}
