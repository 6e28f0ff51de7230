// Package crypto derives the key that encrypts synchronized files at rest.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// FileKeySize is the length of a local file encryption key.
	FileKeySize = 64

	// Scrypt parameters
	ScryptN = 32768 // CPU/memory cost parameter
	ScryptR = 8     // block size parameter
	ScryptP = 1     // parallelization parameter

	MinSaltSize = 16
)

// Errors
var (
	ErrInvalidKey    = errors.New("invalid key size")
	ErrEmptyPassword = errors.New("passphrase is required")
	ErrShortSalt     = errors.New("salt is too short")
)

// DeriveFileKey derives a FileKeySize key from passphrase and salt.
func DeriveFileKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassword
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortSalt, len(salt), MinSaltSize)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, ScryptN, ScryptR, ScryptP, FileKeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}
	return key, nil
}

// ValidateFileKey accepts nil (unencrypted) or a FileKeySize key.
func ValidateFileKey(key []byte) error {
	if key == nil || len(key) == FileKeySize {
		return nil
	}
	return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), FileKeySize)
}

// Fingerprint identifies a key in logs without revealing it.
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("syncsession key fingerprint"))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}
