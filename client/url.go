// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/absmach/scmp/transport"
)

// URL schemes and defaults.
const (
	SchemePlain  = "scmp"
	SchemeSecure = "scmps"

	DefaultPort       = 18180
	DefaultSecurePort = 18181
	DefaultQueue      = "production"
)

// Endpoint is a parsed broker address.
type Endpoint struct {
	Secure      bool
	Host        string
	Port        int
	Path        string
	Queue       string
	Username    string
	Password    string
	Credentials bool
	// AckWindow is set when the URL carries an ack parameter.
	AckWindow *int
}

// ParseURL parses scmp://[user[:pass]@]host[:port][/path/]queue[?ack=N].
func ParseURL(address string) (Endpoint, error) {
	var ep Endpoint

	u, err := url.Parse(address)
	if err != nil {
		return ep, &Error{Result: ErrInvalidURL, Err: err}
	}

	switch u.Scheme {
	case SchemePlain:
	case SchemeSecure:
		ep.Secure = true
	default:
		return ep, &Error{Result: ErrInvalidURL, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return ep, &Error{Result: ErrInvalidURL, Message: "missing host"}
	}

	ep.Port = DefaultPort
	if ep.Secure {
		ep.Port = DefaultSecurePort
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ep, &Error{Result: ErrInvalidURL, Message: fmt.Sprintf("invalid port %q", p)}
		}
		ep.Port = port
	}

	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
		ep.Credentials = ep.Username != ""
	}

	ep.Path = u.Path
	if ep.Path != "" && !strings.HasSuffix(ep.Path, "/") {
		if i := strings.LastIndexByte(ep.Path, '/'); i >= 0 {
			ep.Queue = ep.Path[i+1:]
			ep.Path = ep.Path[:i+1]
		}
	}
	if ep.Path == "" {
		ep.Path = "/"
	}
	if ep.Queue == "" {
		ep.Queue = DefaultQueue
	}

	query := u.Query()
	if query.Has("ack") {
		ack, err := strconv.Atoi(query.Get("ack"))
		if err != nil || ack < 0 {
			return ep, &Error{Result: ErrInvalidURLParameters, Message: "invalid 'ack' URL parameter"}
		}
		ep.AckWindow = &ack
	}

	return ep, nil
}

// RequestPath is the HTTP path of the upgrade request.
func (e Endpoint) RequestPath() string {
	return e.Path + e.Queue
}

// String renders the endpoint without the password.
func (e Endpoint) String() string {
	scheme := SchemePlain
	if e.Secure {
		scheme = SchemeSecure
	}
	var user string
	if e.Username != "" {
		user = e.Username + "@"
	}
	return fmt.Sprintf("%s://%s%s%s", scheme, user, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.RequestPath())
}

func (e Endpoint) target() transport.Target {
	return transport.Target{
		Host:        e.Host,
		Port:        e.Port,
		Secure:      e.Secure,
		Path:        e.RequestPath(),
		Username:    e.Username,
		Password:    e.Password,
		Credentials: e.Credentials,
	}
}
