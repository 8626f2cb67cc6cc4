package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealToOpenWith(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	secret := newTestKey(t)
	sealed, err := SealTo(recipient.PublicKey, secret)
	if err != nil {
		t.Fatalf("SealTo failed: %v", err)
	}

	opened, err := OpenWith(recipient.PrivateKey, sealed)
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Error("opened secret does not match")
	}

	// 其他人的私鑰無法打開
	other, _ := GenerateKeyPair()
	if _, err := OpenWith(other.PrivateKey, sealed); !errors.Is(err, ErrDecryption) {
		t.Errorf("expected ErrDecryption for wrong private key, got %v", err)
	}
}

func TestSealTo_InvalidPublicKey(t *testing.T) {
	if _, err := SealTo([]byte("short"), []byte("secret")); err == nil {
		t.Error("expected error for invalid public key")
	}
}

func TestPublicKeyFor(t *testing.T) {
	kp, _ := GenerateKeyPair()
	pub, err := PublicKeyFor(kp.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, kp.PublicKey) {
		t.Error("derived public key mismatch")
	}
}

func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}

	k1 := DeriveKey("correct horse", salt)
	k2 := DeriveKey("correct horse", salt)
	k3 := DeriveKey("wrong horse", salt)

	if len(k1) != KeySize {
		t.Fatalf("derived key length = %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same password and salt should derive the same key")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different passwords should derive different keys")
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Error("correct password should match")
	}
	if CheckPassword(hash, "other") {
		t.Error("wrong password should not match")
	}
}
