package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-monitor/internal/config"
)

func TestSelfSigned_IssuesAndReuses(t *testing.T) {
	dir := t.TempDir()
	s := NewSelfSigned(dir, zap.NewNop())

	first, err := s.Certificate([]string{"monitor.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"monitor.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, selfSignedKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := s.Certificate([]string{"other.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestSelfSigned_RenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	s := NewSelfSigned(dir, zap.NewNop())

	first, err := s.Certificate([]string{"monitor.local"})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(selfSignedValidity - 24*time.Hour) }
	second, err := s.Certificate([]string{"monitor.local"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestManager_FallsBackToSelfSigned(t *testing.T) {
	m, err := NewManager(config.TLSConfig{Domain: "localhost", CacheDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, m.ChallengeHandler(nil))

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	cfg := m.ServerConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestManager_MissingKeyPair(t *testing.T) {
	m, err := NewManager(config.TLSConfig{
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
		CacheDir: t.TempDir(),
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}
