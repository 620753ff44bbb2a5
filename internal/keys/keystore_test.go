package keys

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret := []byte("twelve word wallet phrase goes here for the holder identity")
	password := "hunter2"

	sealed, err := SealSecret(secret, password)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	opened, err := OpenSecret(sealed, password)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Error("opened secret does not match original")
	}
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := SealSecret([]byte("the secret"), "right")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenSecret(sealed, "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestOpenTruncatedData(t *testing.T) {
	if _, err := OpenSecret([]byte("short"), "pw"); err == nil {
		t.Error("expected error for truncated sealed data")
	}
}

func TestKeystorePersistence(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ks.HasSecret() {
		t.Error("fresh keystore should have no secret")
	}

	secret := []byte("wallet secret material")
	if err := ks.SaveSecret(secret, "pw"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !ks.HasSecret() {
		t.Error("keystore should report a saved secret")
	}

	loaded, err := ks.LoadSecret("pw")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(loaded, secret) {
		t.Error("loaded secret does not match saved secret")
	}

	if err := ks.Delete(); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ks.HasSecret() {
		t.Error("keystore should have no secret after delete")
	}
	if _, err := ks.LoadSecret("pw"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}
