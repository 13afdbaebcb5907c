package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// keySalt is fixed so the same secret always yields the same key across restarts.
var keySalt = []byte("shelfie/config-store/v1")

// ErrSealedValueCorrupt is returned when a stored secret cannot be opened.
var ErrSealedValueCorrupt = errors.New("sealed config value is corrupt")

// DeriveKey stretches the server secret into the 32-byte key that seals
// per-user secrets such as Gemini API keys.
func DeriveKey(secret string) []byte {
	return argon2.IDKey([]byte(secret), keySalt, 1, 64*1024, 4, 32)
}

// SealSecret encrypts a config value for the config table. The result is
// base64 of nonce followed by the AES-GCM ciphertext.
func SealSecret(value []byte, key []byte) (string, error) {
	aead, err := configAEAD(key)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(sealed); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed = aead.Seal(sealed, sealed, value, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret reverses SealSecret. A value sealed under another key, or one
// that was truncated or edited, fails with ErrSealedValueCorrupt.
func OpenSecret(stored string, key []byte) ([]byte, error) {
	aead, err := configAEAD(key)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedValueCorrupt, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrSealedValueCorrupt, len(sealed))
	}
	nonce := sealed[:aead.NonceSize()]
	value, err := aead.Open(nil, nonce, sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedValueCorrupt, err)
	}
	return value, nil
}

func configAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to use config key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to use config key: %w", err)
	}
	return aead, nil
}
