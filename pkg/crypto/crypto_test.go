package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("wrong password accepted")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef0123456789abcdef")
	plaintext := []byte("local-key-material")

	ct, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	pt, err := Decrypt(key, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip = %q", pt)
	}

	// A different key must not open the ciphertext.
	other := []byte("fedcba9876543210fedcba9876543210")
	if _, err := Decrypt(other, ct); err == nil {
		t.Fatal("decrypt succeeded with the wrong key")
	}

	if _, err := Decrypt(key, []byte("short")); err == nil {
		t.Fatal("truncated ciphertext accepted")
	}
}

func TestEncryptStringEmptyRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef")

	sealed, err := EncryptString(key, "")
	if err != nil || sealed != "" {
		t.Fatalf("EncryptString(\"\") = %q, %v", sealed, err)
	}
	opened, err := DecryptString(key, "")
	if err != nil || opened != "" {
		t.Fatalf("DecryptString(\"\") = %q, %v", opened, err)
	}

	sealed, err = EncryptString(key, "rt-secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	opened, err = DecryptString(key, sealed)
	if err != nil || opened != "rt-secret" {
		t.Fatalf("round trip = %q, %v", opened, err)
	}
}

func TestGenerateRandomString(t *testing.T) {
	t.Parallel()

	a, err := GenerateRandomString(32)
	if err != nil {
		t.Fatalf("GenerateRandomString: %v", err)
	}
	raw, err := base64.URLEncoding.DecodeString(a)
	if err != nil || len(raw) != 32 {
		t.Fatalf("decoded %d bytes, %v", len(raw), err)
	}

	b, err := GenerateRandomString(32)
	if err != nil {
		t.Fatalf("GenerateRandomString: %v", err)
	}
	if a == b {
		t.Fatal("two generated secrets collided")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	if Fingerprint("") != "" {
		t.Fatal("empty secret must fingerprint empty")
	}

	a := Fingerprint("token-a")
	b := Fingerprint("token-b")
	if a == b {
		t.Fatal("distinct secrets collided")
	}
	if len(a) != 8 {
		t.Fatalf("fingerprint length = %d, want 8 hex chars", len(a))
	}
	if a != Fingerprint("token-a") {
		t.Fatal("fingerprint not stable")
	}
	if a == "token-a" {
		t.Fatal("fingerprint leaks the secret")
	}
}
