package smtp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

// CertificateSource is an optional hook for dynamic certificate provisioning
// (e.g. an ACME-backed store); the repository ships no implementation. C8 itself only
// requires static cert/key loading; this interface is the seam a deployment
// can use to replace that without touching the session/handshake code.
type CertificateSource interface {
	GetCertificate(ctx context.Context, serverName string) (*tls.Certificate, error)
}

// TLSHandler owns the server's TLS configuration and performs the in-band
// STARTTLS handshake (C8). Grounded on the teacher's internal/smtp/tls.go.
type TLSHandler struct {
	source       CertificateSource
	staticConfig *tls.Config
	logger       *slog.Logger
}

// NewTLSHandler builds a handler around a static cert/key-derived config.
func NewTLSHandler(staticConfig *tls.Config, logger *slog.Logger) *TLSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TLSHandler{staticConfig: staticConfig, logger: logger}
}

// NewTLSHandlerWithSource builds a handler that prefers a dynamic
// CertificateSource, falling back to staticConfig's certificate when the
// source cannot serve a given SNI name.
func NewTLSHandlerWithSource(source CertificateSource, staticConfig *tls.Config, logger *slog.Logger) *TLSHandler {
	h := NewTLSHandler(staticConfig, logger)
	h.source = source
	return h
}

// GetTLSConfig returns the *tls.Config to use for handshakes.
func (h *TLSHandler) GetTLSConfig() *tls.Config {
	var cfg *tls.Config
	if h.staticConfig != nil {
		cfg = h.staticConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if h.source != nil {
		cfg.GetCertificate = h.getCertificate
	}
	return cfg
}

func (h *TLSHandler) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if h.source != nil && hello.ServerName != "" {
		cert, err := h.source.GetCertificate(context.Background(), hello.ServerName)
		if err == nil {
			return cert, nil
		}
		h.logger.Warn("certificate source miss, using static certificate",
			"server_name", hello.ServerName, "error", err)
	}
	if h.staticConfig != nil && len(h.staticConfig.Certificates) > 0 {
		return &h.staticConfig.Certificates[0], nil
	}
	return nil, fmt.Errorf("no certificate available for %s", hello.ServerName)
}

// Available reports whether STARTTLS can be advertised/offered.
func (h *TLSHandler) Available() bool {
	return h != nil && (h.source != nil || (h.staticConfig != nil && len(h.staticConfig.Certificates) > 0))
}

// Handshake upgrades conn to TLS using the handler's configuration,
// performing the handshake synchronously so failures are fatal to the caller
// per spec.md §4.5 (STARTTLS failure closes the connection).
func (h *TLSHandler) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, h.GetTLSConfig())
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()
	h.logger.Info("TLS established",
		"version", tlsVersionString(state.Version),
		"cipher", tlsCipherSuiteString(state.CipherSuite),
		"server_name", state.ServerName)
	return tlsConn, nil
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("0x%04x", version)
	}
}

func tlsCipherSuiteString(cipherSuite uint16) string {
	switch cipherSuite {
	case tls.TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case tls.TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305:
		return "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305"
	case tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
		return "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"
	case tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	default:
		return fmt.Sprintf("0x%04x", cipherSuite)
	}
}

// LoadTLSConfig loads a static certificate/key pair from the filesystem (C8),
// requiring TLS 1.2 or higher and a strong cipher-suite allowlist.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// GenerateSelfSignedCert writes a development/testing ECDSA self-signed
// certificate and key under outputDir, returning their paths.
func GenerateSelfSignedCert(hostname, outputDir string) (certPath, keyPath string, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"esmtpd"}, CommonName: hostname},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname, "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	certPath = fmt.Sprintf("%s/smtp.crt", outputDir)
	certFile, err := os.Create(certPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPath = fmt.Sprintf("%s/smtp.key", outputDir)
	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}
	return certPath, keyPath, nil
}

// ValidateTLSConfig checks that a TLS config meets C8's minimum requirements.
func ValidateTLSConfig(config *tls.Config) error {
	if config == nil {
		return fmt.Errorf("TLS config is nil")
	}
	if len(config.Certificates) == 0 {
		return fmt.Errorf("no certificates configured")
	}
	if config.MinVersion < tls.VersionTLS12 {
		return fmt.Errorf("minimum TLS version must be 1.2 or higher")
	}
	return nil
}
