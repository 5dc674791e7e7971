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

// CertificateSource is the dynamic-certificate lookup a TlsProvider may be
// backed by: SNI hostname in, certificate for that domain out. Kept as its
// own small interface (distinct from TlsProvider) so a deployment can wire
// any certificate-issuing backend — ACME, a KMS, a static directory —
// without touching the session code that only ever sees TlsProvider.
type CertificateSource interface {
	GetCertificate(ctx context.Context, domainName string) (*tls.Certificate, error)
}

// TlsProvider is the C7 STARTTLS boundary: upgrade a plaintext net.Conn to
// a TLS one, or fail. Session MUST NOT retain references to the plaintext
// stream after a successful upgrade.
type TlsProvider interface {
	// Available reports whether STARTTLS should be advertised at all.
	Available() bool
	// Upgrade performs the server-side TLS handshake over conn and
	// returns the replacement connection.
	Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// DynamicSNIProvider selects a certificate per SNI hostname via a
// CertificateSource, falling back to a parent "mail." domain and finally to
// a static certificate, in the same order the teacher's SNI handler tried
// them. If certSource is nil it behaves as a plain static-certificate
// provider.
type DynamicSNIProvider struct {
	certSource   CertificateSource
	fallbackCert *tls.Certificate
	minVersion   uint16
	logger       *slog.Logger
}

func NewDynamicSNIProvider(certSource CertificateSource, fallbackCert *tls.Certificate, logger *slog.Logger) *DynamicSNIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamicSNIProvider{
		certSource:   certSource,
		fallbackCert: fallbackCert,
		minVersion:   tls.VersionTLS12,
		logger:       logger,
	}
}

func (p *DynamicSNIProvider) Available() bool {
	return p.certSource != nil || p.fallbackCert != nil
}

func (p *DynamicSNIProvider) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: p.minVersion,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		GetCertificate: p.getCertificateForSNI,
	}
	if p.fallbackCert != nil {
		cfg.Certificates = []tls.Certificate{*p.fallbackCert}
	}
	return cfg
}

func (p *DynamicSNIProvider) getCertificateForSNI(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	serverName := hello.ServerName
	if serverName == "" {
		if p.fallbackCert != nil {
			return p.fallbackCert, nil
		}
		return nil, fmt.Errorf("no server name and no fallback certificate")
	}

	if p.certSource != nil {
		ctx := context.Background()
		if cert, err := p.certSource.GetCertificate(ctx, serverName); err == nil {
			return cert, nil
		}
		if len(serverName) > 5 && serverName[:5] == "mail." {
			if cert, err := p.certSource.GetCertificate(ctx, serverName[5:]); err == nil {
				p.logger.Info("tls certificate resolved via parent domain", "server_name", serverName, "parent", serverName[5:])
				return cert, nil
			}
		}
	}

	if p.fallbackCert != nil {
		return p.fallbackCert, nil
	}
	return nil, fmt.Errorf("no certificate available for %s", serverName)
}

func (p *DynamicSNIProvider) Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, p.tlsConfig())
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	} else {
		tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()
	p.logger.Info("tls handshake complete",
		"version", tlsVersionString(state.Version),
		"cipher", tlsCipherSuiteString(state.CipherSuite),
		"server_name", state.ServerName)
	return tlsConn, nil
}

// StaticFileProvider loads a single certificate/key pair from disk, for
// deployments that don't need per-domain SNI selection.
func StaticFileProvider(certFile, keyFile string, logger *slog.Logger) (*DynamicSNIProvider, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return NewDynamicSNIProvider(nil, &cert, logger), nil
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
	}
	switch cipherSuite {
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

// GenerateSelfSignedCert generates a self-signed certificate for
// development/testing and writes it to outputDir.
func GenerateSelfSignedCert(hostname string, outputDir string) (certPath, keyPath string, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"inbound-smtpd"},
			CommonName:   hostname,
		},
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
