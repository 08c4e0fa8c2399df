// Package crypto derives per-user record keys and seals/opens document
// payloads in the version-1 envelope format. The encryption migration
// engine uses it to upgrade legacy plaintext documents in place.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrMasterKeyTooShort is returned when the configured master secret
	// cannot safely seed key derivation.
	ErrMasterKeyTooShort = errors.New("master key must be at least 32 bytes")

	// ErrDecryptFailed is returned when an envelope cannot be opened with
	// the derived key.
	ErrDecryptFailed = errors.New("decrypt failed")
)

// KeyProvider derives per-user record keys from a service master secret.
type KeyProvider struct {
	master []byte
}

// NewKeyProvider validates the master secret and returns a provider.
func NewKeyProvider(master []byte) (*KeyProvider, error) {
	if len(master) < keySize {
		return nil, ErrMasterKeyTooShort
	}
	return &KeyProvider{master: master}, nil
}

// KeyForUser derives the user's record key via HKDF-SHA256. Derivation
// is deterministic: the same user always gets the same key.
func (p *KeyProvider) KeyForUser(userID string) (*[keySize]byte, error) {
	var key [keySize]byte
	r := hkdf.New(sha256.New, p.master, nil, []byte("castline.record.v1|"+userID))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &key, nil
}

// UserSealer seals and opens payloads with per-user derived keys. It is
// the form the merge and migration engines consume.
type UserSealer struct {
	provider *KeyProvider
}

// NewUserSealer wraps a key provider.
func NewUserSealer(provider *KeyProvider) *UserSealer {
	return &UserSealer{provider: provider}
}

// SealForUser encrypts plaintext under the user's derived key.
func (s *UserSealer) SealForUser(userID string, plaintext []byte) ([]byte, error) {
	key, err := s.provider.KeyForUser(userID)
	if err != nil {
		return nil, err
	}
	return Seal(key, plaintext)
}

// OpenForUser decrypts an envelope payload under the user's derived key.
func (s *UserSealer) OpenForUser(userID string, payload []byte) ([]byte, error) {
	key, err := s.provider.KeyForUser(userID)
	if err != nil {
		return nil, err
	}
	return Open(key, payload)
}

// Seal encrypts plaintext under key and returns the version-1 envelope
// as JSON, ready to be stored as a document payload.
func Seal(key *[keySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ct := secretbox.Seal(nil, plaintext, &nonce, key)
	return json.Marshal(envelope{EV: 1, Nonce: nonce[:], CT: ct})
}

// Open decrypts a version-1 envelope payload. Passing a legacy plaintext
// payload is a caller bug; classify first.
func Open(key *[keySize]byte, payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.EV != 1 || len(env.Nonce) != nonceSize {
		return nil, fmt.Errorf("parse envelope: %w", ErrDecryptFailed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := secretbox.Open(nil, env.CT, &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
