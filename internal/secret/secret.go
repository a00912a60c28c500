// Package secret holds the hashing and sealing helpers used for session
// keys, upstream credentials and the admin token.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// SessionKeyPrefix marks keys generated by GenerateSessionKey.
const SessionKeyPrefix = "sk-sess-"

const (
	displayPrefixLen = 12
	// Keys shorter than this are shown by hash only.
	minPrefixedKeyLen = 2 * displayPrefixLen
)

// HashKey returns the SHA-256 hex digest of a session key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix returns a short, non-secret label for key used in logs
// and listings. Long keys show their first characters; short keys show a
// digest prefix instead so that no part of them is disclosed.
func DisplayPrefix(key string) string {
	if len(key) < minPrefixedKeyLen {
		return "sha256:" + HashKey(key)[:8]
	}
	return key[:displayPrefixLen] + "..."
}

// GenerateSessionKey returns a new random session key.
func GenerateSessionKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return SessionKeyPrefix + hex.EncodeToString(b), nil
}

// HashToken hashes an admin token with bcrypt. Inputs longer than
// bcrypt's 72-byte limit are pre-hashed.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken reports whether token matches a HashToken hash.
func VerifyToken(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), bcryptInput(token)) == nil
}

func bcryptInput(token string) []byte {
	input := []byte(token)
	if len(input) > 72 {
		h := sha256.Sum256(input)
		input = []byte(hex.EncodeToString(h[:]))
	}
	return input
}

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("secret: cannot open sealed value")

// Sealer encrypts values at rest with NaCl secretbox under a key
// derived from the configured secret.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key from secretKey with HKDF-SHA256.
func NewSealer(secretKey string) (*Sealer, error) {
	if secretKey == "" {
		return nil, errors.New("secret: empty secret key")
	}
	s := &Sealer{}
	r := hkdf.New(sha256.New, []byte(secretKey), nil, []byte("session-proxy credential sealing v1"))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext and returns base64(nonce || box).
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
