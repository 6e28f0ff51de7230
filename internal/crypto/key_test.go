package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/crypto"
)

var salt = []byte("0123456789abcdef")

func TestDeriveFileKey(t *testing.T) {
	key, err := crypto.DeriveFileKey("correct horse", salt)
	require.NoError(t, err)
	assert.Len(t, key, crypto.FileKeySize)
	require.NoError(t, crypto.ValidateFileKey(key))

	again, err := crypto.DeriveFileKey("correct horse", salt)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := crypto.DeriveFileKey("correct horse", bytes.Repeat([]byte{1}, 16))
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveFileKeyErrors(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		salt       []byte
		wantErr    error
	}{
		{"empty passphrase", "", salt, crypto.ErrEmptyPassword},
		{"short salt", "pw", []byte("short"), crypto.ErrShortSalt},
		{"nil salt", "pw", nil, crypto.ErrShortSalt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.DeriveFileKey(tt.passphrase, tt.salt)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateFileKey(t *testing.T) {
	assert.NoError(t, crypto.ValidateFileKey(nil))
	assert.NoError(t, crypto.ValidateFileKey(make([]byte, 64)))
	assert.ErrorIs(t, crypto.ValidateFileKey(make([]byte, 32)), crypto.ErrInvalidKey)
	assert.ErrorIs(t, crypto.ValidateFileKey([]byte{}), crypto.ErrInvalidKey)
}

func TestFingerprint(t *testing.T) {
	a := crypto.Fingerprint(make([]byte, 64))
	b := crypto.Fingerprint(bytes.Repeat([]byte{1}, 64))

	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, crypto.Fingerprint(make([]byte, 64)))
	assert.Empty(t, crypto.Fingerprint(nil))
}
