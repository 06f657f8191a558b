package fleet

import (
	"time"

	"github.com/fleetops/agentmanager/internal/tokencrypt"
)

// TokenStatus classifies the health of an agent's stored service token.
type TokenStatus string

const (
	TokenValid       TokenStatus = "valid"
	TokenMissing     TokenStatus = "missing"
	TokenUnencrypted TokenStatus = "unencrypted"
	TokenCorrupted   TokenStatus = "corrupted"
)

// unencryptedThreshold is the length below which a record's EncryptedToken
// is reported as unencrypted. tokencrypt.Encrypt emits base64 of a 12-byte
// nonce, the plaintext and a 16-byte auth tag, so a token of 15 bytes or
// more encrypts to at least 60 characters; the ciphertext of a shorter
// token (an empty one encrypts to 40) is also reported as unencrypted.
const unencryptedThreshold = 60

// TokenHealth reports the decryptability of one agent's stored token.
type TokenHealth struct {
	Key          Key
	Status       TokenStatus
	ErrorMessage string
}

// CheckTokenHealth classifies rec's stored token without mutating the
// registry. It supplements the distilled spec's Registry operations with
// the original system's token-health listing, used by an operator-facing
// token audit surface.
func CheckTokenHealth(rec *Record, cipher *tokencrypt.Cipher) TokenHealth {
	h := TokenHealth{Key: rec.Key}

	if rec.EncryptedToken == "" {
		h.Status = TokenMissing
		h.ErrorMessage = "no service token found in metadata"
		return h
	}
	if len(rec.EncryptedToken) < unencryptedThreshold {
		h.Status = TokenUnencrypted
		h.ErrorMessage = "token appears to be unencrypted"
		return h
	}
	if _, err := cipher.Decrypt(rec.EncryptedToken); err != nil {
		h.Status = TokenCorrupted
		h.ErrorMessage = "decryption error: " + err.Error()
		return h
	}
	h.Status = TokenValid
	return h
}

// TokenBackup is the shape of a timestamped snapshot of an agent's
// encrypted token. No code in this module creates or writes one.
type TokenBackup struct {
	Key            Key       `json:"-"`
	EncryptedToken string    `json:"encrypted_token"`
	BackedUpAt     time.Time `json:"backed_up_at"`
}
