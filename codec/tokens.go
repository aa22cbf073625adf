// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// Commands sent by the client.
const (
	CmdConnect     = "CONNECT"
	CmdDisconnect  = "DISCONNECT"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdState       = "STATE"
)

// Replies sent by the broker.
const (
	ReplyConnected    = "CONNECTED"
	ReplyRecv         = "RECV"
	ReplyAck          = "ACK"
	ReplyReceipt      = "RECEIPT"
	ReplyEnter        = "ENTER"
	ReplyLeave        = "LEAVE"
	ReplyState        = "STATE"
	ReplyDisconnected = "DISCONNECTED"
	ReplyError        = "ERROR"
)

// CONNECT and CONNECTED headers.
const (
	HeaderAckWindow      = "Ack-Window"
	HeaderSeqNo          = "Seq-No"
	HeaderClientName     = "Client-Name"
	HeaderSubscriptions  = "Subscriptions"
	HeaderMembershipInfo = "Membership-Info"
	HeaderSelfDiscard    = "Self-Discard"
	HeaderQueue          = "Queue"
	HeaderVersion        = "Version"
	HeaderSchemaVersion  = "Schema-Version"
	HeaderDBAccess       = "DB-Access"
	HeaderGroups         = "Groups"
)

// DISCONNECT and RECEIPT headers.
const (
	HeaderReceipt   = "Receipt"
	HeaderReceiptID = "Receipt-Id"
)

// Message headers. The broker uses single letter names to keep frames small.
const (
	HeaderDestination    = "D"
	HeaderContentLength  = "L"
	HeaderEncoding       = "E"
	HeaderMimetype       = "T"
	HeaderTransient      = "Transient"
	HeaderSender         = "C"
	HeaderSequenceNumber = "N"

	// ENTER, LEAVE, STATE and DISCONNECTED reuse the message header names.
	HeaderGroup  = HeaderDestination
	HeaderMember = HeaderSender
	HeaderClient = HeaderSender
)
