// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"strings"
	"time"

	"github.com/absmach/scmp/pkg/content"
)

// Well known groups.
const (
	// StatusGroup receives client status reports.
	StatusGroup = "STATUS_GROUP"
	// ImportGroup receives messages forwarded from other systems.
	ImportGroup = "IMPORT_GROUP"
	// ListenerGroup addresses no group; used by clients that only listen.
	ListenerGroup = ""
)

// MasterSender is the sender name of packets generated for the broker
// itself, such as database access information.
const MasterSender = "MASTER"

// PacketKind identifies what a received packet carries.
type PacketKind uint8

// Packet kinds.
const (
	PacketData PacketKind = iota
	PacketEnter
	PacketLeave
	PacketStatus
	PacketDisconnected
)

// String returns the kind name.
func (k PacketKind) String() string {
	switch k {
	case PacketData:
		return "data"
	case PacketEnter:
		return "enter"
	case PacketLeave:
		return "leave"
	case PacketStatus:
		return "status"
	case PacketDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Packet is a message delivered by the broker.
type Packet struct {
	Kind PacketKind
	// Sender is the client that published the packet or the member that
	// entered or left a group.
	Sender string
	// Target is the destination group.
	Target string
	// Subject names the client a DISCONNECTED packet refers to.
	Subject string
	// SequenceNumber is the broker sequence number, set for data packets.
	SequenceNumber *uint64

	Payload         []byte
	ContentType     string
	ContentEncoding string

	Received time.Time
}

// Decode unpacks the payload into v according to the packet's content type
// and encoding.
func (p *Packet) Decode(v any) error {
	if len(p.Payload) == 0 {
		return newError(ErrDecodingError, nil)
	}
	typ := content.Binary
	if p.ContentType != "" {
		t, err := content.ParseType(p.ContentType)
		if err != nil {
			return newError(ErrContentTypeUnknown, err)
		}
		typ = t
	}
	enc, err := content.ParseEncoding(p.ContentEncoding)
	if err != nil {
		return newError(ErrContentEncodingUnknown, err)
	}
	if err := content.Decode(p.Payload, typ, enc, v); err != nil {
		return newError(ErrDecodingError, err)
	}
	return nil
}

// Members returns the member list carried by an ENTER packet.
func (p *Packet) Members() []string {
	if p.Kind != PacketEnter || len(p.Payload) == 0 {
		return nil
	}
	var members []string
	for _, m := range bytes.FieldsFunc(p.Payload, func(r rune) bool { return r == ',' || r == '\n' }) {
		if s := strings.TrimSpace(string(m)); s != "" {
			members = append(members, s)
		}
	}
	return members
}

// DatabaseAccess returns the service and parameters of a database access
// packet queued by the broker on connect.
func (p *Packet) DatabaseAccess() (service, params string, ok bool) {
	if p.Sender != MasterSender || p.Kind != PacketData || p.ContentType != content.Text.String() {
		return "", "", false
	}
	return splitDBAccess(string(p.Payload))
}

func splitDBAccess(v string) (service, params string, ok bool) {
	service, params, ok = strings.Cut(v, "://")
	if !ok || service == "" {
		return "", "", false
	}
	return service, params, true
}

// MessageType selects how a message is published.
type MessageType uint8

// Message types.
const (
	// Regular messages are sequenced, buffered until acknowledged and
	// retransmitted after a reconnect.
	Regular MessageType = iota
	// Transient messages are sent once without a sequence number.
	Transient
	// Status messages are state reports sent with the STATE command.
	Status
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Transient:
		return "transient"
	case Status:
		return "status"
	default:
		return "unknown"
	}
}

// OutboundBuffer is a rendered command block awaiting acknowledgment.
type OutboundBuffer struct {
	Seq       uint64 `json:"seq"`
	Group     string `json:"group"`
	Data      []byte `json:"data"`
	Transient bool   `json:"transient"`
}

// Copy creates a deep copy of the buffer.
func (b *OutboundBuffer) Copy() *OutboundBuffer {
	if b == nil {
		return nil
	}
	c := *b
	c.Data = bytes.Clone(b.Data)
	return &c
}
