package main

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bakerd"
	"bakerd/internal/tlsutil"
)

func TestAuthInitWritesBundle(t *testing.T) {
	dir := t.TempDir()

	stdout, _, err := executeRootCommand(t, "auth", "init", "--dir", dir)
	if err != nil {
		t.Fatalf("auth init failed: %v", err)
	}
	path := filepath.Join(dir, bakerd.DefaultBundleFileName)
	if !strings.Contains(stdout, path) {
		t.Fatalf("expected bundle path %q in output, got %q", path, stdout)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat bundle: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}
	bundle, err := tlsutil.LoadBundle(path)
	if err != nil {
		t.Fatalf("load generated bundle: %v", err)
	}
	if bundle.Leaf == nil {
		t.Fatal("expected leaf certificate in bundle")
	}
	if bundle.Leaf.Subject.CommonName != "bakerd" {
		t.Fatalf("expected leaf CN %q, got %q", "bakerd", bundle.Leaf.Subject.CommonName)
	}
	if bundle.CACert == nil {
		t.Fatal("expected CA certificate in bundle")
	}
	if bundle.CAKey == nil {
		t.Fatal("expected CA key in bundle")
	}
}

func TestAuthInitCustomCommonNameAndHosts(t *testing.T) {
	dir := t.TempDir()

	_, _, err := executeRootCommand(t, "auth", "init", "--dir", dir,
		"--cn", "bakery-db", "--hosts", "db1,db2,10.0.0.5")
	if err != nil {
		t.Fatalf("auth init failed: %v", err)
	}
	bundle, err := tlsutil.LoadBundle(filepath.Join(dir, bakerd.DefaultBundleFileName))
	if err != nil {
		t.Fatalf("load generated bundle: %v", err)
	}
	if bundle.Leaf.Subject.CommonName != "bakery-db" {
		t.Fatalf("expected leaf CN bakery-db, got %q", bundle.Leaf.Subject.CommonName)
	}
	if got := strings.Join(bundle.Leaf.DNSNames, "|"); got != "db1|db2" {
		t.Fatalf("expected dns names db1 and db2, got %q", got)
	}
	if len(bundle.Leaf.IPAddresses) != 1 || !bundle.Leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("expected ip 10.0.0.5, got %v", bundle.Leaf.IPAddresses)
	}
}

func TestAuthInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()

	if _, _, err := executeRootCommand(t, "auth", "init", "--dir", dir); err != nil {
		t.Fatalf("auth init failed: %v", err)
	}
	if _, _, err := executeRootCommand(t, "auth", "init", "--dir", dir); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "auth", "init", "--dir", dir, "--force"); err != nil {
		t.Fatalf("auth init --force failed: %v", err)
	}
}

func TestAuthInitDefaultsToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BAKERD_CONFIG_DIR", dir)

	if _, _, err := executeRootCommand(t, "auth", "init"); err != nil {
		t.Fatalf("auth init failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, bakerd.DefaultBundleFileName)); err != nil {
		t.Fatalf("expected bundle in config dir: %v", err)
	}
}

func TestAuthInspectPrintsBundleDetails(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := executeRootCommand(t, "auth", "init", "--dir", dir); err != nil {
		t.Fatalf("auth init failed: %v", err)
	}
	path := filepath.Join(dir, bakerd.DefaultBundleFileName)

	stdout, _, err := executeRootCommand(t, "auth", "inspect", "--in", path)
	if err != nil {
		t.Fatalf("auth inspect failed: %v", err)
	}
	if !strings.Contains(stdout, "Bundle: "+path) {
		t.Fatalf("expected bundle header, got %q", stdout)
	}
	if !strings.Contains(stdout, "CN=bakerd") {
		t.Fatalf("expected leaf subject in output, got %q", stdout)
	}
	if !strings.Contains(stdout, "CA key: present") {
		t.Fatalf("expected CA key marker, got %q", stdout)
	}
}

func TestAuthInspectWithoutBundles(t *testing.T) {
	t.Setenv("BAKERD_CONFIG_DIR", t.TempDir())

	stdout, _, err := executeRootCommand(t, "auth", "inspect")
	if err != nil {
		t.Fatalf("auth inspect failed: %v", err)
	}
	if !strings.Contains(stdout, "No bundles found.") {
		t.Fatalf("expected empty inspect notice, got %q", stdout)
	}
}
