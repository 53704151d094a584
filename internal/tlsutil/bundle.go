// Package tlsutil loads the combined PEM bundle that secures cluster
// and client links. One bundle file carries the CA certificate, the
// node's leaf certificate, and the matching private key; both ends of
// every TLS link present the leaf and verify the other side against
// the CA, so a single file provisions a node for dialing and
// accepting alike.
package tlsutil

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Bundle is the parsed combined PEM bundle.
type Bundle struct {
	// Certificate is the leaf plus its key, presented by both the
	// dialing and the accepting end.
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	LeafPEM     []byte
	KeyPEM      []byte

	CACert    *x509.Certificate
	CACertPEM []byte
	// CAKey is non-nil when the bundle carries the CA's private key,
	// which lets this node issue further certificates.
	CAKey    crypto.Signer
	CAKeyPEM []byte

	CAPool *x509.CertPool
}

// LoadBundle reads and parses a combined PEM bundle from path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	return b, nil
}

// ParseBundle parses a combined PEM bundle. It requires at least one
// CA certificate, exactly one usable leaf, and the leaf's private
// key; mutual verification needs all three.
func ParseBundle(data []byte) (*Bundle, error) {
	type candidateKey struct {
		pem    []byte
		signer crypto.Signer
	}
	var (
		keys    []candidateKey
		caCerts []*x509.Certificate
		b       = &Bundle{CAPool: x509.NewCertPool()}
	)

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			pemBytes := pem.EncodeToMemory(block)
			if cert.IsCA {
				caCerts = append(caCerts, cert)
				b.CAPool.AddCert(cert)
				if b.CACert == nil {
					b.CACert = cert
					b.CACertPEM = pemBytes
				}
			} else if b.Leaf == nil {
				b.Leaf = cert
				b.LeafPEM = pemBytes
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parseSigner(block)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
			keys = append(keys, candidateKey{pem: pem.EncodeToMemory(block), signer: signer})
		default:
			// Unrelated blocks pass through untouched.
		}
	}

	if len(caCerts) == 0 {
		return nil, errors.New("no ca certificate")
	}
	if b.Leaf == nil {
		return nil, errors.New("no leaf certificate")
	}
	for _, key := range keys {
		if b.KeyPEM == nil && matchesCert(key.signer, b.Leaf) {
			b.KeyPEM = key.pem
		}
		if b.CAKey == nil && matchesCert(key.signer, b.CACert) {
			b.CAKey = key.signer
			b.CAKeyPEM = key.pem
		}
	}
	if b.KeyPEM == nil {
		return nil, errors.New("no private key matches the leaf certificate")
	}

	cert, err := tls.X509KeyPair(b.LeafPEM, b.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("build key pair: %w", err)
	}
	b.Certificate = cert
	return b, nil
}

// ServerConfig builds the accepting side's TLS configuration:
// mutual authentication against the bundle CA.
func (b *Bundle) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    b.CAPool,
	}
}

// ClientConfig builds the dialing side's TLS configuration. The
// remote's chain is verified against the bundle CA but its hostname
// is not: cluster members are addressed by configured endpoint, and
// dev certificates rarely list every address a node answers on.
func (b *Bundle) ClientConfig() *tls.Config {
	pool := b.CAPool
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{b.Certificate},
		RootCAs:            pool,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(rawCerts, pool)
		},
	}
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("tlsutil: remote presented no certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("tlsutil: parse remote certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	return err
}

// parseSigner decodes one PEM private key block. Bundles written by
// this package carry PKCS#8 under "PRIVATE KEY"; the legacy labels
// appear in bundles assembled from openssl output.
func parseSigner(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T cannot sign", key)
	}
	return signer, nil
}

// matchesCert reports whether signer is the private half of the key
// that cert certifies. Stdlib public key types all implement Equal.
func matchesCert(signer crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}
