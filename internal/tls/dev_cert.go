package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	selfSignedCertFile = "security-monitor-cert.pem"
	selfSignedKeyFile  = "security-monitor-key.pem"
	selfSignedValidity = 90 * 24 * time.Hour
	// a pair closer than this to expiry is regenerated
	renewBefore = 7 * 24 * time.Hour
)

// SelfSigned issues a self-signed serving pair into dir and reuses it until
// it nears expiry.
type SelfSigned struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

func NewSelfSigned(dir string, logger *zap.Logger) *SelfSigned {
	return &SelfSigned{dir: dir, logger: logger, now: time.Now}
}

func (s *SelfSigned) paths() (certPath, keyPath string) {
	return filepath.Join(s.dir, selfSignedCertFile), filepath.Join(s.dir, selfSignedKeyFile)
}

// Certificate returns the stored pair when it is still fresh, otherwise a
// newly issued one for hosts.
func (s *SelfSigned) Certificate(hosts []string) (tls.Certificate, error) {
	certPath, keyPath := s.paths()
	if s.fresh(certPath) {
		if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
			return cert, nil
		}
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := s.now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Security Monitor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write private key: %w", err)
	}

	s.logger.Info("Issued self-signed certificate",
		zap.Strings("hosts", hosts),
		zap.Time("not_after", template.NotAfter),
		zap.String("cert_path", certPath))
	return tls.X509KeyPair(certPEM, keyPEM)
}

func (s *SelfSigned) fresh(certPath string) bool {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	now := s.now()
	return now.After(cert.NotBefore) && now.Add(renewBefore).Before(cert.NotAfter)
}
