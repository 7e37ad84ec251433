package backup

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyDeterminism(t *testing.T) {
	salt := []byte("1234567890abcdef")

	key1 := deriveKey("mypassphrase", salt)
	key2 := deriveKey("mypassphrase", salt)

	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase+salt should produce same key")
	}
	if len(key1) != keySize {
		t.Errorf("key length = %d, want %d", len(key1), keySize)
	}
	if bytes.Equal(key1, deriveKey("other", salt)) {
		t.Error("different passphrases should produce different keys")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := []byte("SQLite format 3\x00 investor snapshot")

	sealed, err := Encrypt(original, "test-passphrase-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, original) {
		t.Error("sealed snapshot should not contain the plaintext")
	}

	again, _ := Encrypt(original, "test-passphrase-123")
	if bytes.Equal(sealed, again) {
		t.Error("two encryptions should use fresh salt and nonce")
	}

	opened, err := Decrypt(sealed, "test-passphrase-123")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, original) {
		t.Errorf("decrypted = %q, want %q", opened, original)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed, _ := Encrypt([]byte("secret"), "right")
	if _, err := Decrypt(sealed, "wrong"); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestDecryptTampered(t *testing.T) {
	sealed, _ := Encrypt([]byte("secret data"), "pass")
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Decrypt(sealed, "pass"); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestEncryptEmpty(t *testing.T) {
	sealed, err := Encrypt(nil, "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := Decrypt(sealed, "pass")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("decrypted %d bytes, want 0", len(opened))
	}
}

func TestDecryptTooSmall(t *testing.T) {
	if _, err := Decrypt([]byte("short"), "pass"); !errors.Is(err, errCiphertextTooShort) {
		t.Errorf("err = %v, want errCiphertextTooShort", err)
	}
}
