// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"strings"

	"github.com/absmach/scmp/codec"
	"github.com/absmach/scmp/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subscribe joins group. Without a session the group is only recorded and
// requested with the next CONNECT. With a session the call returns once the
// broker confirms the membership with an ENTER for this client.
func (c *Client) Subscribe(ctx context.Context, group string) error {
	return c.membership(ctx, pendingSubscribe, group)
}

// Unsubscribe leaves group. Without a session the group is only removed from
// the subscriptions requested with the next CONNECT.
func (c *Client) Unsubscribe(ctx context.Context, group string) error {
	return c.membership(ctx, pendingUnsubscribe, group)
}

func (c *Client) membership(ctx context.Context, opType pendingType, group string) (err error) {
	if c.state.isClosed() {
		return newError(ErrClientClosed, nil)
	}

	cmd := codec.CmdSubscribe
	if opType == pendingUnsubscribe {
		cmd = codec.CmdUnsubscribe
	}

	c.readMu.Lock()
	if !c.state.isConnected() {
		defer c.readMu.Unlock()
		if opType == pendingSubscribe {
			c.subscriptions.add(group)
			return nil
		}
		if !c.subscriptions.remove(group) {
			return newError(ErrNotSubscribed, nil)
		}
		return nil
	}
	subscribed := c.subscriptions.has(group)
	known := c.groups.has(group)
	c.readMu.Unlock()

	switch {
	case opType == pendingSubscribe && subscribed:
		return newError(ErrAlreadySubscribed, nil)
	case opType == pendingUnsubscribe && !subscribed:
		return newError(ErrNotSubscribed, nil)
	case !known:
		return &Error{Result: ErrGroupDoesNotExist, Message: group}
	}

	ctx, span := c.metrics.tracer.Start(ctx, "scmp."+strings.ToLower(cmd),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("scmp.group", group)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.recordError(err)
		}
		span.End()
	}()

	conn, _, err := c.session()
	if err != nil {
		return err
	}

	op := c.pending.add(opType, group)
	msg := codec.NewBuilder(cmd).Header(codec.HeaderGroups, group).Bytes()
	if err := c.writeFrame(conn, transport.OpText, msg); err != nil {
		c.pending.remove(op)
		return err
	}

	if err := op.wait(ctx, c.Timeout()); err != nil {
		c.pending.remove(op)
		return err
	}
	return nil
}
