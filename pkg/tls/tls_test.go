// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePair(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "scmp-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writePair(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		name    string
		cfg     *Config
		wantNil bool
		wantErr bool
	}{
		{name: "nil", cfg: nil, wantNil: true},
		{name: "empty", cfg: &Config{}, wantNil: true},
		{name: "server name only", cfg: &Config{ServerName: "broker"}},
		{name: "ca", cfg: &Config{ServerCAFile: certFile}},
		{name: "client certificate", cfg: &Config{CertFile: certFile, KeyFile: keyFile}},
		{name: "half pair", cfg: &Config{CertFile: certFile}, wantErr: true},
		{name: "missing ca", cfg: &Config{ServerCAFile: "/nonexistent.pem"}, wantErr: true},
		{name: "bad ca", cfg: &Config{ServerCAFile: garbage}, wantErr: true},
		{name: "bad pair", cfg: &Config{CertFile: garbage, KeyFile: keyFile}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := LoadClientConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.wantNil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tc.cfg.ServerName, c.ServerName)
			if tc.cfg.ServerCAFile != "" {
				assert.NotNil(t, c.RootCAs)
			}
			if tc.cfg.CertFile != "" {
				assert.Len(t, c.Certificates, 1)
			}
		})
	}
}

func TestSecurityStatus(t *testing.T) {
	assert.Equal(t, "system TLS defaults", SecurityStatus(nil))

	c, err := LoadClientConfig(&Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, "TLS without server verification", SecurityStatus(c))
}
