// Package encryption seals and opens single payloads with AES-256-GCM.
//
// Every call to Encrypt draws a fresh 96 bit nonce from the system CSPRNG.
// There is no entry point that accepts a caller supplied nonce
// for sealing: nonce reuse under one key breaks GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-rag/pkg/keys"
	"github.com/sirupsen/logrus"
)

const (
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrAuthentication = errors.New("encryption: authentication failed")
	ErrInvalidNonce   = errors.New("encryption: invalid nonce")
	ErrInvalidKey     = errors.New("encryption: invalid key")
)

// Sealer is the contract the chunk store depends on.
type Sealer interface {
	Encrypt(key keys.Key, plaintext, associatedData []byte) (ciphertext, nonce []byte, err error)
	Decrypt(key keys.Key, ciphertext, nonce, associatedData []byte) ([]byte, error)
}

type Config struct {
	// Compression compresses plaintexts with lzma before sealing. Decrypt
	// handles both codecs regardless of this setting.
	Compression bool
	Logger      *logrus.Logger
}

// Engine implements Sealer.
type Engine struct {
	compress bool
	log      *logrus.Logger
	random   io.Reader
}

func NewEngine(config Config) *Engine {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Engine{
		compress: config.Compression,
		log:      config.Logger,
		random:   rand.Reader,
	}
}

// Encrypt seals plaintext under key and returns the ciphertext (including
// the GCM tag) together with the nonce that has to be stored alongside it.
func (e *Engine) Encrypt(key keys.Key, plaintext, associatedData []byte) ([]byte, []byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	payload, err := encodePayload(plaintext, e.compress)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: encoding payload: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return nil, nil, fmt.Errorf("encryption: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, payload, associatedData)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext. Any modification of ciphertext, nonce or
// associated data, as well as a wrong key, yields ErrAuthentication.
func (e *Engine) Decrypt(key keys.Key, ciphertext, nonce, associatedData []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonce, NonceSize, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrAuthentication)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	payload, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrAuthentication
	}

	plaintext, err := decodePayload(payload)
	if err != nil {
		// The tag verified, so a bad payload means it was sealed by
		// something other than this engine.
		e.log.WithFields(logrus.Fields{"error": err}).Error("authenticated payload failed to decode")
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func newAEAD(key keys.Key) (cipher.AEAD, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("%w: zero key", ErrInvalidKey)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating GCM: %w", err)
	}
	return aead, nil
}

var _ Sealer = (*Engine)(nil)
