package tlsutil

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func devMaterial(t *testing.T, commonName string, hosts ...string) (*CA, IssuedCert) {
	t.Helper()
	ca, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("expected ca generation to succeed, got %v", err)
	}
	leaf, err := ca.Issue(commonName, hosts, 0)
	if err != nil {
		t.Fatalf("expected certificate issue to succeed, got %v", err)
	}
	return ca, leaf
}

func parseGenerated(t *testing.T, commonName string, hosts ...string) *Bundle {
	t.Helper()
	data, err := GenerateBundle(commonName, hosts)
	if err != nil {
		t.Fatalf("expected bundle generation to succeed, got %v", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("expected generated bundle to parse, got %v", err)
	}
	return b
}

func TestGeneratedBundleParsesWithCAKey(t *testing.T) {
	b := parseGenerated(t, "alpha", "localhost", "127.0.0.1")
	if b.Leaf.Subject.CommonName != "alpha" {
		t.Fatalf("expected leaf common name alpha, got %q", b.Leaf.Subject.CommonName)
	}
	if b.CACert.Subject.CommonName != "bakerd-ca" {
		t.Fatalf("expected default ca name, got %q", b.CACert.Subject.CommonName)
	}
	if b.CAKey == nil {
		t.Fatalf("expected the dev bundle to carry the ca key")
	}
	if len(b.Leaf.DNSNames) != 1 || b.Leaf.DNSNames[0] != "localhost" {
		t.Fatalf("expected dns name localhost, got %v", b.Leaf.DNSNames)
	}
	if len(b.Leaf.IPAddresses) != 1 || b.Leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("expected ip 127.0.0.1, got %v", b.Leaf.IPAddresses)
	}
}

func TestParseBundleWithoutCAKey(t *testing.T) {
	ca, leaf := devMaterial(t, "alpha")
	data, err := EncodeBundle(ca, leaf, false)
	if err != nil {
		t.Fatalf("expected encode to succeed, got %v", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("expected bundle to parse, got %v", err)
	}
	if b.CAKey != nil {
		t.Fatalf("expected no ca key in a distribution bundle")
	}
	if b.Certificate.PrivateKey == nil {
		t.Fatalf("expected the leaf key pair to be built")
	}
}

func TestParseBundleRejectsIncompleteMaterial(t *testing.T) {
	ca, leaf := devMaterial(t, "alpha")
	_, other := devMaterial(t, "other")

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"leaf only", append(append([]byte(nil), leaf.CertPEM...), leaf.KeyPEM...), "no ca certificate"},
		{"ca only", append(append([]byte(nil), ca.CertPEM...), ca.KeyPEM...), "no leaf certificate"},
		{"wrong key", bytes.Join([][]byte{ca.CertPEM, leaf.CertPEM, other.KeyPEM}, nil), "no private key matches"},
	}
	for _, tc := range cases {
		_, err := ParseBundle(tc.data)
		if err == nil {
			t.Fatalf("%s: expected parse to fail", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadBundleFromDisk(t *testing.T) {
	data, err := GenerateBundle("alpha", []string{"localhost"})
	if err != nil {
		t.Fatalf("expected bundle generation to succeed, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "bakerd.pem")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("expected write to succeed, got %v", err)
	}
	if _, err := LoadBundle(path); err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if _, err := LoadBundle(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected a missing bundle to fail")
	}
}

func TestMutualHandshakeBetweenBundleHolders(t *testing.T) {
	b := parseGenerated(t, "alpha", "localhost")

	clientEnd, serverEnd := net.Pipe()
	server := tls.Server(serverEnd, b.ServerConfig())
	client := tls.Client(clientEnd, b.ClientConfig())
	deadline := time.Now().Add(5 * time.Second)
	server.SetDeadline(deadline)
	client.SetDeadline(deadline)

	serverErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(server, buf); err != nil {
			serverErr <- err
			return
		}
		_, err := server.Write(buf)
		serverErr <- err
	}()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("expected client write to succeed, got %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("expected echo back, got %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected ping echoed, got %q", buf)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("expected server side to complete, got %v", err)
	}
	if !server.ConnectionState().HandshakeComplete {
		t.Fatalf("expected a completed handshake")
	}
	if len(server.ConnectionState().PeerCertificates) == 0 {
		t.Fatalf("expected the client to present its certificate")
	}
}

func TestHandshakeRejectsForeignAuthority(t *testing.T) {
	ours := parseGenerated(t, "alpha", "localhost")
	theirs := parseGenerated(t, "rogue", "localhost")

	clientEnd, serverEnd := net.Pipe()
	server := tls.Server(serverEnd, ours.ServerConfig())
	client := tls.Client(clientEnd, theirs.ClientConfig())
	deadline := time.Now().Add(5 * time.Second)
	server.SetDeadline(deadline)
	client.SetDeadline(deadline)

	go func() {
		server.Handshake()
		server.Close()
	}()
	if err := client.Handshake(); err == nil {
		t.Fatalf("expected the handshake to fail across authorities")
	}
}
