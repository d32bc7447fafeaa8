package security

import (
	"testing"
)

func TestTokenCipherRoundTrip(t *testing.T) {
	t.Setenv(TokenEncryptionKeyEnv, "0123456789abcdef0123456789abcdef")

	c, err := NewTokenCipherFromEnv()
	if err != nil {
		t.Fatalf("NewTokenCipherFromEnv() error = %v", err)
	}

	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	ciphertext, nonce, keyID, err := c.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if keyID != "v1" {
		t.Fatalf("Encrypt() keyID = %q, want v1", keyID)
	}

	plain, err := c.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != token {
		t.Fatalf("Decrypt() = %q, want %q", plain, token)
	}
}

func TestTokenCipherRejectsShortKey(t *testing.T) {
	t.Setenv(TokenEncryptionKeyEnv, "short")
	if _, err := NewTokenCipherFromEnv(); err == nil {
		t.Fatalf("NewTokenCipherFromEnv() accepted an invalid key")
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatalf("HashToken() not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatalf("HashToken() collision on different inputs")
	}
}

func TestOperatorCredential(t *testing.T) {
	t.Setenv(OperatorUserEnv, "alice")
	t.Setenv(OperatorPasswordEnv, "s3cret")

	cred, err := LoadOperatorFromEnv()
	if err != nil {
		t.Fatalf("LoadOperatorFromEnv() error = %v", err)
	}
	if !cred.Check("alice", "s3cret") {
		t.Fatalf("Check() rejected valid credentials")
	}
	if cred.Check("alice", "wrong") || cred.Check("bob", "s3cret") {
		t.Fatalf("Check() accepted invalid credentials")
	}
}
