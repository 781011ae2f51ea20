package tls

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"security-monitor/internal/config"
)

// Manager picks the serving certificate: ACME when enabled, then the
// configured key pair, then a self-signed pair.
type Manager struct {
	cfg        config.TLSConfig
	autoCert   *autocert.Manager
	selfSigned *SelfSigned
	logger     *zap.Logger

	mu       sync.Mutex
	fallback *tls.Certificate
}

func NewManager(cfg config.TLSConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		selfSigned: NewSelfSigned(cfg.CacheDir, logger),
		logger:     logger,
	}
	if !cfg.AutoCert {
		return m, nil
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create autocert cache: %w", err)
	}
	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domain),
		Cache:      autocert.DirCache(cfg.CacheDir),
		Email:      cfg.Email,
	}
	logger.Info("AutoCert configured", zap.String("domain", cfg.Domain), zap.String("cache_dir", cfg.CacheDir))
	return m, nil
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert lookup failed, using fallback certificate",
			zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallback != nil {
		return m.fallback, nil
	}

	var (
		cert tls.Certificate
		err  error
	)
	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	} else {
		cert, err = m.selfSigned.Certificate([]string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load serving certificate: %w", err)
	}
	m.fallback = &cert
	return m.fallback, nil
}

// ServerConfig is the tls.Config for the HTTPS listener.
func (m *Manager) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate:   m.GetCertificate,
		NextProtos:       []string{"h2", "http/1.1", "acme-tls/1"},
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}
}

// ChallengeHandler answers ACME HTTP-01 challenges and passes other requests
// to fallback. Without AutoCert it returns nil.
func (m *Manager) ChallengeHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return nil
	}
	return m.autoCert.HTTPHandler(fallback)
}
