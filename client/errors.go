// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Result is the outcome of a client operation. Every non-nil error returned
// by the client wraps exactly one Result.
type Result uint8

// Client results.
const (
	// URL errors.
	ErrInvalidURL Result = iota + 1
	ErrInvalidURLParameters
	ErrInvalidProtocol

	// Payload errors.
	ErrContentEncodingRequired
	ErrContentTypeRequired
	ErrContentEncodingUnknown
	ErrContentTypeUnknown
	ErrEncodingError
	ErrDecodingError

	// Connection errors.
	ErrAlreadyConnected
	ErrNotConnected
	ErrConnectionClosedByPeer
	ErrSystemError
	ErrTimeout
	ErrNetworkError
	ErrNetworkProtocolError

	// Broker errors.
	ErrDuplicateUsername
	ErrGroupDoesNotExist

	// Queue errors.
	ErrInboxUnderflow
	ErrInboxOverflow
	ErrOutboxOverflow

	// Operation errors.
	ErrAlreadySubscribed
	ErrNotSubscribed
	ErrMissingGroup
	ErrInvalidMessageType
	ErrMessageTooLarge
	ErrGeneric
	ErrClientClosed
)

var resultText = map[Result]string{
	ErrInvalidURL:              "invalid URL",
	ErrInvalidURLParameters:    "invalid URL parameters",
	ErrInvalidProtocol:         "invalid protocol",
	ErrContentEncodingRequired: "content encoding required",
	ErrContentTypeRequired:     "content type required",
	ErrContentEncodingUnknown:  "unknown content encoding",
	ErrContentTypeUnknown:      "unknown content type",
	ErrEncodingError:           "encoding error",
	ErrDecodingError:           "decoding error",
	ErrAlreadyConnected:        "already connected",
	ErrNotConnected:            "not connected",
	ErrConnectionClosedByPeer:  "connection closed by peer",
	ErrSystemError:             "system error",
	ErrTimeout:                 "timeout",
	ErrNetworkError:            "network error",
	ErrNetworkProtocolError:    "network protocol error",
	ErrDuplicateUsername:       "duplicate username",
	ErrGroupDoesNotExist:       "group does not exist",
	ErrInboxUnderflow:          "inbox underflow",
	ErrInboxOverflow:           "inbox overflow",
	ErrOutboxOverflow:          "outbox overflow",
	ErrAlreadySubscribed:       "already subscribed",
	ErrNotSubscribed:           "not subscribed",
	ErrMissingGroup:            "missing group",
	ErrInvalidMessageType:      "invalid message type",
	ErrMessageTooLarge:         "message too large",
	ErrGeneric:                 "generic error",
	ErrClientClosed:            "client has been closed",
}

// Error implements the error interface.
func (r Result) Error() string {
	if s, ok := resultText[r]; ok {
		return s
	}
	return "unknown result " + strconv.Itoa(int(r))
}

// Category groups results by the layer that produced them.
type Category uint8

const (
	CategoryApplication Category = iota
	CategoryURL
	CategoryHandshake
	CategoryProtocol
	CategoryTransport
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryURL:
		return "url"
	case CategoryHandshake:
		return "handshake"
	case CategoryProtocol:
		return "protocol"
	case CategoryTransport:
		return "transport"
	default:
		return "application"
	}
}

// Category returns the layer a result belongs to.
func (r Result) Category() Category {
	switch r {
	case ErrInvalidURL, ErrInvalidURLParameters, ErrInvalidProtocol:
		return CategoryURL
	case ErrDuplicateUsername, ErrAlreadyConnected:
		return CategoryHandshake
	case ErrNetworkProtocolError, ErrGroupDoesNotExist:
		return CategoryProtocol
	case ErrNotConnected, ErrConnectionClosedByPeer, ErrSystemError, ErrTimeout, ErrNetworkError:
		return CategoryTransport
	default:
		return CategoryApplication
	}
}

// Error carries broker or transport detail on top of a Result. errors.Is
// matches it against its Result.
type Error struct {
	Result  Result
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Result.Error())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the Result and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Result}
	}
	return []error{e.Result, e.Err}
}

// ResultOf extracts the Result from err. It returns ErrGeneric for foreign
// errors and zero for nil.
func ResultOf(err error) Result {
	if err == nil {
		return 0
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return ErrGeneric
}

func newError(r Result, err error) *Error {
	return &Error{Result: r, Err: err}
}

// Broker error codes carried in ERROR bodies.
const (
	codeDuplicateUsername = 408
	codeGroupDoesNotExist = 411
)

// parseBrokerError splits an ERROR body of the form "<code> <message>".
func parseBrokerError(body []byte) (int, string) {
	s := strings.TrimSpace(string(body))
	head, rest, _ := strings.Cut(s, " ")
	code, err := strconv.Atoi(head)
	if err != nil {
		return 0, s
	}
	return code, strings.TrimSpace(rest)
}

// brokerError maps an ERROR reply. fallback is used for codes without a
// dedicated result.
func brokerError(body []byte, fallback Result) *Error {
	code, msg := parseBrokerError(body)
	r := fallback
	switch code {
	case codeDuplicateUsername:
		r = ErrDuplicateUsername
	case codeGroupDoesNotExist:
		r = ErrGroupDoesNotExist
	}
	return &Error{Result: r, Code: code, Message: msg}
}
