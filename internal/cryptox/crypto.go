// Package cryptox implements the client-side encryption contract: Argon2id
// key derivation and AES-256-GCM payload encryption. The server only ever
// sees the opaque base64 payloads produced here; keys and plaintext never
// leave the client.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/envsync/envsync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// SaltSize is the key-derivation salt length in bytes.
	SaltSize = 16
)

// DeriveKey stretches a password into a 256-bit AES key using Argon2id
// (t=1, m=64MiB, p=4). Deterministic: the same (password, salt) pair always
// yields the same key, so any device holding the password and the account
// salt can reconstruct the key.
func DeriveKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// GenerateSalt returns a fresh random key-derivation salt.
func GenerateSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// MakeVerifier hashes a master key into a value the server can store to
// authenticate logins without learning the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// EncryptPayload encrypts plaintext with AES-256-GCM under key and returns
// the wire format base64(nonce ∥ ciphertext-with-tag). A fresh random
// 12-byte nonce is generated on every call, so encrypting the same plaintext
// twice yields different outputs.
func EncryptPayload(plaintext []byte, key []byte) (string, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := common.GenerateRandByteArray(NonceSize)
	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// DecryptPayload reverses EncryptPayload. Any alteration of the key, nonce
// or ciphertext fails the GCM tag check and is reported as
// common.ErrAuthenticationFailed; this is the sole integrity check in the
// system, since the server cannot inspect content.
func DecryptPayload(payload string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	if len(data) < NonceSize {
		return nil, common.ErrAuthenticationFailed
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.ErrAuthenticationFailed
	}

	return plaintext, nil
}

// Checksum returns the hex SHA-256 digest of data. The server uses these
// digests for cheap equality checks on ciphertext it cannot decrypt.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
