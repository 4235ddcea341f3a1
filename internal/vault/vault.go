// Package vault seals provider credentials for storage at rest.
//
// Ciphertext format: base64(nonce || box). The key comes from process
// configuration; losing it makes every stored credential unreadable, so a
// decrypt failure is surfaced as an error and never silently defaulted.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey        = errors.New("vault: key must be 32 bytes")
	ErrDecrypt           = errors.New("vault: decryption failed")
	ErrInvalidCiphertext = errors.New("vault: malformed ciphertext")
)

type Vault struct {
	key [keySize]byte
}

func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(opened), nil
}
