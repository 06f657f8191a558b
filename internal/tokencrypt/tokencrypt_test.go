package tokencrypt

import (
	"strings"
	"testing"
)

func TestNewFromSecretRejectsMissingSecret(t *testing.T) {
	if _, err := NewFromSecret("", "0123456789abcdef"); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestNewFromSecretRejectsShortSalt(t *testing.T) {
	if _, err := NewFromSecret("process-secret", "short"); err != ErrShortSalt {
		t.Fatalf("expected ErrShortSalt, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewFromSecret("process-secret", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFromSecret: %v", err)
	}

	plaintext := "service:super-secret-token"
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := NewFromSecret("process-secret", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFromSecret: %v", err)
	}

	a, err := c.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated calls, got identical")
	}
}

func TestDecryptFailsClosedOnWrongKey(t *testing.T) {
	a, err := NewFromSecret("secret-a", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFromSecret: %v", err)
	}
	b, err := NewFromSecret("secret-b", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFromSecret: %v", err)
	}

	ciphertext, err := a.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ciphertext); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecryptFailsClosedOnCorruption(t *testing.T) {
	c, err := NewFromSecret("process-secret", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewFromSecret: %v", err)
	}
	ciphertext, err := c.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	corrupted := strings.Replace(ciphertext, ciphertext[:4], "AAAA", 1)
	if _, err := c.Decrypt(corrupted); err == nil {
		t.Fatalf("expected decryption of corrupted ciphertext to fail")
	}
}

func TestVerifyTokenMatchesAndMismatches(t *testing.T) {
	if !VerifyToken("abc123", "abc123") {
		t.Fatalf("expected matching tokens to verify")
	}
	if VerifyToken("abc124", "abc123") {
		t.Fatalf("expected mismatched tokens to fail verification")
	}
	if VerifyToken("short", "a-much-longer-expected-token") {
		t.Fatalf("expected different-length tokens to fail verification")
	}
}
