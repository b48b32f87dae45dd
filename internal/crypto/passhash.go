// Package crypto implements server-side password hashing and one-time code helpers.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	// SaltLen is the per-principal salt size.
	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// NewPasswordHash draws a fresh salt and hashes password with it.
func NewPasswordHash(password string) (hash, salt []byte, err error) {
	if password == "" {
		return nil, nil, errors.New("empty password")
	}
	salt, err = RandBytes(SaltLen)
	if err != nil {
		return nil, nil, err
	}
	return HashPassword([]byte(password), salt), salt, nil
}

// dummySalt/dummyHash let callers burn equal time when no principal matched.
var (
	dummySalt = []byte("clinauth-dummy-s")
	dummyHash = HashPassword([]byte("clinauth-dummy-password"), dummySalt)
)

// BurnPasswordCheck runs one hash comparison against a fixed dummy so unknown
// emails cost the same as wrong passwords.
func BurnPasswordCheck(password string) {
	_ = VerifyPassword([]byte(password), dummySalt, dummyHash)
}

// HashCode returns the hex SHA-256 of a normalised high-entropy code
// (backup codes, invitation tokens). Raw codes are never stored.
func HashCode(code string) string {
	h := sha256.Sum256([]byte(NormalizeCode(code)))
	return hex.EncodeToString(h[:])
}

// NormalizeCode strips separators and upper-cases a user-typed code.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// codeAlphabet omits 0/O and 1/I/L to keep printed codes unambiguous.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// RandomCode returns n characters drawn uniformly from codeAlphabet.
func RandomCode(n int) (string, error) {
	return randomFrom(codeAlphabet, n)
}

// RandomDigits returns n uniformly random decimal digits.
func RandomDigits(n int) (string, error) {
	return randomFrom("0123456789", n)
}

func randomFrom(alphabet string, n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
