// Package secrets encrypts connection credentials at rest with
// AES-256-GCM. The key comes from configuration and never leaves the
// process.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("secrets: ciphertext shorter than nonce")

// Cipher performs symmetric encryption with a key derived from the
// configured passphrase.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from passphrase and builds the AEAD.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: empty passphrase")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is
// prepended to the returned ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptMap serializes credentials as JSON and encrypts the document.
func (c *Cipher) EncryptMap(credentials map[string]any) ([]byte, error) {
	doc, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credentials: %w", err)
	}
	return c.Encrypt(doc)
}

// DecryptMap reverses EncryptMap.
func (c *Cipher) DecryptMap(ciphertext []byte) (map[string]any, error) {
	doc, err := c.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var credentials map[string]any
	if err := json.Unmarshal(doc, &credentials); err != nil {
		return nil, fmt.Errorf("failed to deserialize credentials: %w", err)
	}
	return credentials, nil
}
