package tlsutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// DefaultCAValidity covers a development CA.
const DefaultCAValidity = 10 * 365 * 24 * time.Hour

// DefaultLeafValidity covers an issued node certificate.
const DefaultLeafValidity = 365 * 24 * time.Hour

// notBeforeSkew backdates issued certificates so nodes with drifting
// clocks accept a bundle minted moments ago.
const notBeforeSkew = 5 * time.Minute

// CA holds a certificate authority keypair for issuing node
// certificates.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     ed25519.PrivateKey
	KeyPEM  []byte
}

// IssuedCert is a freshly issued certificate and its private key.
type IssuedCert struct {
	CertPEM []byte
	KeyPEM  []byte
}

// newSerial draws a random 128-bit certificate serial.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// pemPair renders a certificate and its PKCS#8 key as PEM blocks.
func pemPair(der []byte, key ed25519.PrivateKey) (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// GenerateCA creates a new self-signed certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	if commonName == "" {
		commonName = "bakerd-ca"
	}
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("ca serial: %w", err)
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("self-sign ca: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("reparse ca: %w", err)
	}
	certPEM, keyPEM, err := pemPair(der, priv)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, CertPEM: certPEM, Key: priv, KeyPEM: keyPEM}, nil
}

// Issue creates a node certificate for hosts. The certificate carries
// both server and client key usages because every cluster member
// dials its peers and accepts from them with the same leaf.
func (ca *CA) Issue(commonName string, hosts []string, validity time.Duration) (IssuedCert, error) {
	if ca == nil {
		return IssuedCert{}, errors.New("ca is nil")
	}
	if commonName == "" {
		commonName = "bakerd"
	}
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("node key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return IssuedCert{}, fmt.Errorf("node serial: %w", err)
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-notBeforeSkew),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}
	if len(tmpl.IPAddresses)+len(tmpl.DNSNames) == 0 {
		tmpl.DNSNames = []string{"*"}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, pub, ca.Key)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("sign node certificate: %w", err)
	}
	certPEM, keyPEM, err := pemPair(der, priv)
	if err != nil {
		return IssuedCert{}, err
	}
	return IssuedCert{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// EncodeBundle concatenates the bundle components into one PEM blob.
// withCAKey includes the CA's private key so the bundle can issue
// further certificates.
func EncodeBundle(ca *CA, leaf IssuedCert, withCAKey bool) ([]byte, error) {
	if ca == nil || len(ca.CertPEM) == 0 {
		return nil, errors.New("encode bundle: missing ca")
	}
	if len(leaf.CertPEM) == 0 || len(leaf.KeyPEM) == 0 {
		return nil, errors.New("encode bundle: missing leaf components")
	}
	var buf bytes.Buffer
	buf.Write(ca.CertPEM)
	if withCAKey {
		buf.Write(ca.KeyPEM)
	}
	buf.Write(leaf.CertPEM)
	buf.Write(leaf.KeyPEM)
	return buf.Bytes(), nil
}

// GenerateBundle mints a fresh CA plus one node certificate and
// returns the combined PEM, CA key included. This is the dev
// bootstrap behind `bakerd auth init`; every node and client sharing
// the file can talk TLS immediately.
func GenerateBundle(commonName string, hosts []string) ([]byte, error) {
	ca, err := GenerateCA("", 0)
	if err != nil {
		return nil, err
	}
	leaf, err := ca.Issue(commonName, hosts, 0)
	if err != nil {
		return nil, err
	}
	return EncodeBundle(ca, leaf, true)
}
