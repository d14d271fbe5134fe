package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("private key mode %v", info.Mode().Perm())
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", pub)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load generated key: %v", err)
	}
	if got := string(MarshalAuthorized(signer)); got != pub {
		t.Fatalf("public key mismatch: %q vs %q", got, pub)
	}
}

func TestAuthMethodsExplicitKey(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "id_ed25519")
	if _, err := GenerateEd25519Keypair(priv); err != nil {
		t.Fatalf("generate: %v", err)
	}
	methods, err := AuthMethods(priv)
	if err != nil {
		t.Fatalf("auth methods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("expected one method, got %d", len(methods))
	}
	if _, err := AuthMethods(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
