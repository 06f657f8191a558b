// Package tokencrypt provides authenticated symmetric encryption for
// service tokens and admin passwords at rest.
package tokencrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen        = 32
	pbkdf2Iterations = 100_000
	minSaltLen    = 16
)

// ErrNoSecret is returned by New when neither a direct key nor a process
// secret is available. Construction must fail closed: there is no silent
// default key.
var ErrNoSecret = errors.New("tokencrypt: no encryption key or process secret configured")

// ErrShortSalt is returned when a derived key is requested with a salt
// shorter than the minimum length.
var ErrShortSalt = errors.New("tokencrypt: salt must be at least 16 bytes")

// ErrDecrypt is returned by Decrypt when the ciphertext is corrupted, was
// produced with a different key, or is otherwise not authentic. Decrypt
// never returns a partially-decrypted result.
var ErrDecrypt = errors.New("tokencrypt: decryption failed")

// Cipher encrypts and decrypts short byte strings (service tokens, admin
// passwords) for storage in the Registry's on-disk metadata file.
type Cipher struct {
	aead stdAEAD
}

type stdAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// New constructs a Cipher from a direct base64-encoded 32-byte key. Use
// NewFromSecret when deriving the key from a process secret instead.
func New(base64Key string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: decode key: %w", err)
	}
	return newFromKey(key)
}

// NewFromSecret derives a 32-byte key from a required process secret and
// salt via PBKDF2-HMAC-SHA256 with 100,000 iterations. An empty secret or
// a salt shorter than 16 bytes is a fatal configuration error — this is a
// deliberate divergence from lenient "default-dev-secret"-style fallbacks:
// the caller (process startup) must abort rather than run with a weak,
// silently-derived key.
func NewFromSecret(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(salt) < minSaltLen {
		return nil, ErrShortSalt
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, keyLen, sha256.New)
	return newFromKey(key)
}

func newFromKey(key []byte) (*Cipher, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("tokencrypt: key must be %d bytes, got %d", keyLen, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: construct aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns a self-describing, base64-encoded ciphertext: a random
// nonce followed by the sealed payload. Two calls on the same plaintext
// produce different ciphertexts.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("tokencrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails closed: a corrupted ciphertext or a
// ciphertext sealed under a different key returns ErrDecrypt, never a
// partial or garbage plaintext.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// VerifyToken compares a presented bearer token against the expected
// plaintext token in constant time: the comparator does not early-exit on
// the first mismatched byte, so callers cannot use timing to learn how
// many leading bytes matched. Both sides are hashed with SHA-256 to a
// common size before comparison, so unequal lengths take the same
// comparison path.
func VerifyToken(presented, expected string) bool {
	// Hash both sides to a fixed length first so ConstantTimeCompare always
	// operates on equal-length buffers regardless of the input lengths.
	ph := sha256.Sum256([]byte(presented))
	eh := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(ph[:], eh[:]) == 1
}
