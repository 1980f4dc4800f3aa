package typedkv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// encryptedValueCodec wraps another value codec with AES-256-GCM. The stored
// form is nonce || ciphertext, with a fresh random nonce per encode.
type encryptedValueCodec[V any] struct {
	inner ValueCodec[V]
	gcm   cipher.AEAD
}

// EncryptedValue returns a ValueCodec that encrypts the inner codec's output
// with AES-256-GCM before it reaches the store and decrypts on the way back.
// The key must be 32 bytes; use GenerateKey for a random key or DeriveKey to
// obtain one from a passphrase. Keys are never persisted, so decoding with a
// different key fails authentication rather than returning garbage.
func EncryptedValue[V any](inner ValueCodec[V], key []byte) (ValueCodec[V], error) {
	if inner == nil {
		return nil, fmt.Errorf("inner value codec is required")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return encryptedValueCodec[V]{inner: inner, gcm: gcm}, nil
}

func (c encryptedValueCodec[V]) EncodeValue(value V) ([]byte, error) {
	plain, err := c.inner.EncodeValue(value)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.gcm.NonceSize(), c.gcm.NonceSize()+len(plain)+c.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (c encryptedValueCodec[V]) DecodeValue(data []byte) (V, error) {
	var zero V
	n := c.gcm.NonceSize()
	if len(data) < n {
		return zero, fmt.Errorf("encrypted value too short: %d bytes", len(data))
	}

	plain, err := c.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return zero, fmt.Errorf("failed to decrypt value: %w", err)
	}
	return c.inner.DecodeValue(plain)
}

// GenerateKey generates a new random 256-bit encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte key from a secret and salt using SHA-256.
// The same secret and salt always produce the same key.
func DeriveKey(secret, salt []byte) []byte {
	hash := sha256.New()
	hash.Write(secret)
	hash.Write(salt)
	return hash.Sum(nil)
}
