package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"time"
)

const (
	certPEMType = "CERTIFICATE"
	// certValidity is intentionally long: the certificate anchors identity
	// for the life of the install, not a rotating session credential.
	certValidity = 10 * 365 * 24 * time.Hour
)

// EnsureCertificate loads a self-signed identity certificate from disk,
// generating one bound to deviceID and privateKey on first run. The
// certificate's subject Common Name carries deviceID; its public key
// fingerprint is the value quoted in TrustRecords and mDNS advertisements.
func EnsureCertificate(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, deviceID, certPath string) (tls.Certificate, error) {
	if cert, err := loadCertificate(certPath, privateKey, publicKey); err == nil {
		return cert, nil
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errCertKeyMismatch) {
		return tls.Certificate{}, err
	}

	derBytes, err := generateSelfSignedDER(privateKey, publicKey, deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}

	block := &pem.Block{Type: certPEMType, Bytes: derBytes}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(block), 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write identity certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privateKey,
	}, nil
}

var errCertKeyMismatch = errors.New("identity: certificate public key does not match keypair")

func loadCertificate(certPath string, privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey) (tls.Certificate, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != certPEMType {
		return tls.Certificate{}, fmt.Errorf("decode identity certificate: no PEM block")
	}

	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse identity certificate: %w", err)
	}

	storedKey, ok := parsed.PublicKey.(ed25519.PublicKey)
	if !ok || !storedKey.Equal(publicKey) {
		return tls.Certificate{}, errCertKeyMismatch
	}

	return tls.Certificate{
		Certificate: [][]byte{block.Bytes},
		PrivateKey:  privateKey,
		Leaf:        parsed,
	}, nil
}

func generateSelfSignedDER(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, deviceID string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"proxishare.local"},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	return derBytes, nil
}

// FingerprintFromCertificate returns the SHA-256 fingerprint of the
// Ed25519 public key embedded in a parsed peer certificate.
func FingerprintFromCertificate(cert *x509.Certificate) (string, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("certificate does not carry an Ed25519 public key")
	}
	return KeyFingerprint(pub), nil
}
