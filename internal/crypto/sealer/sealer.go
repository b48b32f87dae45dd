// Package sealer encrypts MFA secrets at rest under a per-deployment key.
package sealer

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required key size.
const KeyLen = chacha20poly1305.KeySize

// ErrOpen is returned for any ciphertext that fails authentication.
var ErrOpen = errors.New("sealer: cannot open ciphertext")

// Sealer performs XChaCha20-Poly1305 authenticated encryption with a random nonce.
type Sealer struct {
	key []byte
}

// New constructs a Sealer; key must be KeyLen bytes.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeyLen {
		return nil, errors.New("sealer: key must be 32 bytes")
	}
	k := make([]byte, KeyLen)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encrypts plaintext binding it to aad (the owning principal), returning nonce||ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrOpen
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}
