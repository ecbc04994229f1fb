package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// GenerateSelfSignedCert creates a self-signed TLS certificate using
// P-256 ECDSA. The certificate is valid for 10 years and includes
// localhost and 127.0.0.1 as SANs.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: "chute"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pemEncode("CERTIFICATE", certDER)
	keyPEM := pemEncode("EC PRIVATE KEY", keyDER)
	return tls.X509KeyPair(certPEM, keyPEM)
}

// CertFingerprint returns the SHA256 fingerprint of a TLS certificate
// in the format "SHA256:<base64>".
func CertFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("no certificate data")
	}
	h := sha256.Sum256(cert.Certificate[0])
	return "SHA256:" + base64.StdEncoding.EncodeToString(h[:]), nil
}

// serverCert loads the configured cert/key pair, or generates an
// in-memory self-signed one when no paths are configured.
func serverCert(certFile, keyFile string) (tls.Certificate, string, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" || keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, "", fmt.Errorf("load cert: %w", err)
		}
	} else {
		cert, err = GenerateSelfSignedCert()
		if err != nil {
			return tls.Certificate{}, "", fmt.Errorf("generate self-signed cert: %w", err)
		}
	}
	fp, err := CertFingerprint(cert)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	return cert, fp, nil
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func serverTLSConfig(cert tls.Certificate, nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   nextProtos,
	}
}
