// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds the client TLS configuration used for scmps brokers.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadServerCA = errors.New("failed to load Server CA")
	errAppendCA     = errors.New("failed to append root ca tls.Config")
	errKeyPair      = errors.New("cert_file and key_file must be set together")
)

// Config describes the client side of a TLS connection.
type Config struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerCAFile       string `yaml:"server_ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Enabled reports whether any TLS setting is present.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.ServerCAFile != "" || c.ServerName != "" || c.InsecureSkipVerify
}

// LoadClientConfig returns a TLS configuration for dialing a broker, or nil
// when c carries no settings and system defaults apply.
func LoadClientConfig(c *Config) (*tls.Config, error) {
	if c == nil || !c.Enabled() {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errKeyPair
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.ServerCAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "system TLS defaults"
	}
	ret := "TLS"
	if c.InsecureSkipVerify {
		ret += " without server verification"
	}
	if len(c.Certificates) > 0 {
		ret += " with client certificate"
	}
	return ret
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
