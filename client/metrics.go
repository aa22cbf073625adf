// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/scmp/client"

// metrics holds the OpenTelemetry instruments of one client.
type metrics struct {
	connects      metric.Int64Counter
	disconnects   metric.Int64Counter
	messagesSent  metric.Int64Counter
	messagesRecv  metric.Int64Counter
	errorsTotal   metric.Int64Counter
	messageSize   metric.Int64Histogram
	ackWaitMillis metric.Float64Histogram

	registration metric.Registration
	tracer       trace.Tracer
}

func newMetrics(mp metric.MeterProvider, tp trace.TracerProvider, snapshot func() SessionState) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &metrics{tracer: tp.Tracer(instrumentationName)}

	var err error
	m.connects, err = meter.Int64Counter(
		"scmp.client.connects.total",
		metric.WithDescription("Connection attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connects counter: %w", err)
	}

	m.disconnects, err = meter.Int64Counter(
		"scmp.client.disconnects.total",
		metric.WithDescription("Connections ended by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnects counter: %w", err)
	}

	m.messagesSent, err = meter.Int64Counter(
		"scmp.client.messages.sent.total",
		metric.WithDescription("Messages written to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesRecv, err = meter.Int64Counter(
		"scmp.client.messages.received.total",
		metric.WithDescription("Packets received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRecv counter: %w", err)
	}

	m.errorsTotal, err = meter.Int64Counter(
		"scmp.client.errors.total",
		metric.WithDescription("Errors by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"scmp.client.message.size.bytes",
		metric.WithDescription("Size of sent command blocks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.ackWaitMillis, err = meter.Float64Histogram(
		"scmp.client.ack_wait.duration.ms",
		metric.WithDescription("Time senders spent blocked on the ack window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackWait histogram: %w", err)
	}

	inboxSize, err := meter.Int64ObservableGauge(
		"scmp.client.inbox.size",
		metric.WithDescription("Packets waiting for Recv"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox gauge: %w", err)
	}
	outboxSize, err := meter.Int64ObservableGauge(
		"scmp.client.outbox.size",
		metric.WithDescription("Unacknowledged regular messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox gauge: %w", err)
	}
	backlogSize, err := meter.Int64ObservableGauge(
		"scmp.client.backlog.size",
		metric.WithDescription("Messages kept for replay on the next connect"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog gauge: %w", err)
	}
	bytesSent, err := meter.Int64ObservableCounter(
		"scmp.client.bytes.sent.total",
		metric.WithDescription("Bytes written to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}
	bytesReceived, err := meter.Int64ObservableCounter(
		"scmp.client.bytes.received.total",
		metric.WithDescription("Bytes read from the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(inboxSize, int64(s.InboxSize))
		o.ObserveInt64(outboxSize, int64(s.OutboxSize))
		o.ObserveInt64(backlogSize, int64(s.BacklogSize))
		o.ObserveInt64(bytesSent, int64(s.BytesSent))
		o.ObserveInt64(bytesReceived, int64(s.BytesReceived))
		return nil
	}, inboxSize, outboxSize, backlogSize, bytesSent, bytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to register session callback: %w", err)
	}

	return m, nil
}

func (m *metrics) recordConnect(err error) {
	m.connects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", resultLabel(err)),
	))
}

func (m *metrics) recordDisconnect(reason string) {
	m.disconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *metrics) recordSent(t MessageType, size int) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
	m.messageSize.Record(ctx, int64(size))
}

func (m *metrics) recordReceived(kind PacketKind) {
	m.messagesRecv.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
	))
}

func (m *metrics) recordError(err error) {
	if err == nil {
		return
	}
	r := ResultOf(err)
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", r.Error()),
		attribute.String("category", r.Category().String()),
	))
}

func (m *metrics) recordAckWait(ms float64) {
	m.ackWaitMillis.Record(context.Background(), ms)
}

func (m *metrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return ResultOf(err).Error()
}
