// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/config"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/ratelimit"
)

// Pick is the test payload published by the publish and selftest modes.
type Pick struct {
	Time       PickTime   `json:"time" bson:"time" xml:"time"`
	WaveformID WaveformID `json:"waveformID" bson:"waveformID" xml:"waveformID"`
}

// PickTime carries the pick onset.
type PickTime struct {
	Value string `json:"value" bson:"value" xml:"value"`
}

// WaveformID names the stream a pick was made on.
type WaveformID struct {
	NetworkCode string `json:"networkCode" bson:"networkCode" xml:"networkCode,attr"`
	StationCode string `json:"stationCode" bson:"stationCode" xml:"stationCode,attr"`
	ChannelCode string `json:"channelCode" bson:"channelCode" xml:"channelCode,attr"`
}

func testPick() Pick {
	return Pick{
		Time: PickTime{Value: "2018-01-01T12:00:00.123Z"},
		WaveformID: WaveformID{
			NetworkCode: "GE",
			StationCode: "MORC",
			ChannelCode: "BHZ",
		},
	}
}

// publishSettings resolves the publish section into client values.
type publishSettings struct {
	group       string
	msgType     client.MessageType
	encoding    content.Encoding
	contentType content.Type
}

func newPublishSettings(cfg config.PublishConfig) (publishSettings, error) {
	ps := publishSettings{group: cfg.Group, msgType: client.Regular}
	if cfg.Transient {
		ps.msgType = client.Transient
	}

	t, err := content.ParseType(cfg.ContentType)
	if err != nil {
		return ps, err
	}
	enc, err := content.ParseEncoding(cfg.Encoding)
	if err != nil {
		return ps, err
	}
	ps.contentType = t
	ps.encoding = enc
	return ps, nil
}

// listen prints every received packet until ctx is done.
func listen(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := newSession(cfg, cfg.Connection.ClientName, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return err
	}

	r := newReader(s.client, s.logger)
	for {
		err := r.next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			printSummary(os.Stdout, s.client.SessionState())
			return nil
		case errors.Is(err, client.ErrTimeout):
		case s.supervisor != nil && client.ResultOf(err).Category() == client.CategoryTransport:
			// The supervisor is reconnecting.
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		default:
			return err
		}
	}
}

// publishAll runs n concurrent publishers and reports the throughput.
func publishAll(ctx context.Context, cfg *config.Config, clients, count int, logger *slog.Logger) error {
	if clients < 1 {
		clients = 1
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := range clients {
		name := cfg.Connection.ClientName
		if clients > 1 {
			name = fmt.Sprintf("%s-%d", name, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = publish(ctx, cfg, name, count, logger)
		}()
	}
	wg.Wait()

	printThroughput(os.Stdout, clients*count, time.Since(start))
	return errors.Join(errs...)
}

func publish(ctx context.Context, cfg *config.Config, name string, count int, logger *slog.Logger) error {
	ps, err := newPublishSettings(cfg.Publish)
	if err != nil {
		return err
	}

	s, err := newSession(cfg, name, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return err
	}

	p := ratelimit.NewPublisher(s.client, cfg.Publish.RateLimit)
	payload := testPick()
	for n := 0; n < count; n++ {
		if err := p.SendMessage(ctx, ps.group, payload, ps.msgType, ps.encoding, ps.contentType); err != nil {
			return fmt.Errorf("send %d: %w", n, err)
		}
		// Nothing reads the inbox here.
		s.client.ClearInbox()
	}

	if err := s.client.SyncOutbox(ctx); err != nil {
		s.logger.Warn("Outbox not drained", "error", err, "outbox", s.client.OutboxSize())
	}
	printSummary(os.Stdout, s.client.SessionState())
	return nil
}

// selfTest publishes count messages to a group it listens to and checks
// that the broker sequence numbers arrive without gaps.
func selfTest(ctx context.Context, cfg *config.Config, count int, logger *slog.Logger) error {
	ps, err := newPublishSettings(cfg.Publish)
	if err != nil {
		return err
	}
	cfg.Subscribe.Groups = append(cfg.Subscribe.Groups, ps.group)

	s, err := newSession(cfg, cfg.Connection.ClientName, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.start(ctx); err != nil {
		return err
	}

	r := newReader(s.client, s.logger)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			err := r.next(ctx)
			if err != nil && !errors.Is(err, client.ErrTimeout) {
				return
			}
		}
	}()

	start := time.Now()
	p := ratelimit.NewPublisher(s.client, cfg.Publish.RateLimit)
	payload := testPick()
	for n := 0; n < count; n++ {
		if err := p.SendMessage(ctx, ps.group, payload, ps.msgType, ps.encoding, ps.contentType); err != nil {
			return fmt.Errorf("send %d: %w", n, err)
		}
	}

	if err := s.client.SyncOutbox(ctx); err != nil {
		s.logger.Warn("Outbox not drained", "error", err)
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(dctx); err != nil {
		s.logger.Warn("Disconnect failed", "error", err)
	}
	<-readerDone

	fmt.Fprintf(os.Stdout, "Remaining outbox messages: %d\n", s.client.OutboxSize())
	printThroughput(os.Stdout, count, time.Since(start))
	printSummary(os.Stdout, s.client.SessionState())

	if r.gaps > 0 {
		return fmt.Errorf("%d sequence gaps detected", r.gaps)
	}
	return nil
}

// reader pulls packets and watches the broker sequence numbers.
type reader struct {
	client  *client.Client
	logger  *slog.Logger
	lastSeq *uint64
	gaps    int
}

func newReader(c *client.Client, logger *slog.Logger) *reader {
	return &reader{client: c, logger: logger}
}

func (r *reader) next(ctx context.Context) error {
	p, err := r.client.Recv(ctx)
	if err != nil {
		return err
	}

	if p.Kind == client.PacketData && p.SequenceNumber != nil {
		seq := *p.SequenceNumber
		if r.lastSeq != nil && seq-*r.lastSeq != 1 {
			r.gaps++
			r.logger.Warn("Sequence gap", "got", seq, "previous", *r.lastSeq)
		}
		r.lastSeq = &seq
	}

	switch p.Kind {
	case client.PacketEnter:
		r.logger.Info("Member entered", "group", p.Target, "member", p.Sender, "members", p.Members())
	case client.PacketLeave:
		r.logger.Info("Member left", "group", p.Target, "member", p.Sender)
	case client.PacketDisconnected:
		r.logger.Info("Client disconnected", "subject", p.Subject)
	default:
		r.logger.Debug("Packet received",
			"kind", p.Kind.String(),
			"group", p.Target,
			"sender", p.Sender,
			"content_type", p.ContentType,
			"size", len(p.Payload))
	}
	return nil
}

func printThroughput(w io.Writer, messages int, elapsed time.Duration) {
	if messages == 0 || elapsed <= 0 {
		return
	}
	secs := elapsed.Seconds()
	fmt.Fprintf(w, "Sent %d messages, took %.3fs\n", messages, secs)
	fmt.Fprintf(w, "Average time per message: %.1fus\n", secs*1e6/float64(messages))
	fmt.Fprintf(w, "Average number of messages per second: %.0f\n", float64(messages)/secs)
}

func printSummary(w io.Writer, st client.SessionState) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Sent messages:\t%d\n", st.SentMessages)
	fmt.Fprintf(tw, "Received messages:\t%d\n", st.ReceivedMessages)
	fmt.Fprintf(tw, "Local sequence number:\t%d\n", st.LocalSequenceNumber)
	if st.SequenceNumber != nil {
		fmt.Fprintf(tw, "Broker sequence number:\t%d\n", *st.SequenceNumber)
	}
	fmt.Fprintf(tw, "Bytes sent:\t%d\n", st.BytesSent)
	fmt.Fprintf(tw, "Bytes received:\t%d\n", st.BytesReceived)
	fmt.Fprintf(tw, "Peak buffered bytes:\t%d\n", st.MaxBufferedBytes)
	fmt.Fprintf(tw, "Peak outbox size:\t%d\n", st.MaxOutboxSize)
	fmt.Fprintf(tw, "Peak inbox size:\t%d\n", st.MaxInboxSize)
	fmt.Fprintf(tw, "Outbox / backlog:\t%d / %d\n", st.OutboxSize, st.BacklogSize)
	fmt.Fprintf(tw, "Read / write calls:\t%d / %d\n", st.SystemReadCalls, st.SystemWriteCalls)
	tw.Flush()
}
