// Package keys manages the lifecycle of the symmetric key that seals every
// chunk in the store: generation, persistence, loading and passphrase
// derivation.
//
// Key material never leaves this package in printable form. Key implements
// fmt.Stringer and fmt.GoStringer with a redacted value, and every error
// returned here names the path, never the bytes.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Size is the key length in bytes (256 bit).
	Size = 32

	// SaltSize is the length of salts produced by NewSalt.
	SaltSize = 16

	// MinIterations is the lowest PBKDF2 iteration count Derive accepts.
	MinIterations = 100_000

	// DefaultIterations is used by callers that have no stronger opinion.
	DefaultIterations = 600_000

	filePerm = 0o600
	dirPerm  = 0o700
)

var (
	ErrKeyNotFound = errors.New("keys: key not found")
	ErrKeyFormat   = errors.New("keys: malformed key")
	ErrIO          = errors.New("keys: io error")
	ErrWeakKDF     = errors.New("keys: iteration count below minimum")
	ErrEmptySecret = errors.New("keys: empty passphrase")
	ErrShortSalt   = errors.New("keys: salt too short")
)

// Key is a 256 bit symmetric key.
type Key [Size]byte

// Bytes returns a copy of the key material.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// Fingerprint identifies the key without revealing it.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:])
}

// Equal compares two keys in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// IsZero reports whether the key was never set.
func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return "Key(" + k.Fingerprint()[:16] + ")"
}

func (k Key) GoString() string {
	return k.String()
}

// FromBytes copies b into a Key. b must be exactly Size bytes long.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFormat, Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Generate returns a fresh key read from the system CSPRNG.
func Generate() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("keys: reading random source: %w", err)
	}
	return k, nil
}

// NewSalt returns SaltSize random bytes for use with Derive.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keys: reading random source: %w", err)
	}
	return salt, nil
}

// Derive produces a deterministic key from passphrase and salt using
// PBKDF2-HMAC-SHA256. The same inputs always yield the same key.
func Derive(passphrase, salt []byte, iterations int) (Key, error) {
	if len(passphrase) == 0 {
		return Key{}, ErrEmptySecret
	}
	if len(salt) < 8 {
		return Key{}, fmt.Errorf("%w: %d bytes", ErrShortSalt, len(salt))
	}
	if iterations < MinIterations {
		return Key{}, fmt.Errorf("%w: %d < %d", ErrWeakKDF, iterations, MinIterations)
	}

	var k Key
	copy(k[:], pbkdf2.Key(passphrase, salt, iterations, Size, sha256.New))
	return k, nil
}

// Save writes the key to path with owner-only permissions. The file is
// written to a temporary sibling first and renamed into place so a crash
// never leaves a truncated key behind.
func Save(k Key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("%w: creating key directory for %s: %v", ErrIO, path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %s: %v", ErrIO, path, err)
	}
	if _, err := tmp.Write(k[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrIO, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: installing %s: %v", ErrIO, path, err)
	}
	return nil
}

// Load reads a key previously written by Save.
func Load(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	if err != nil {
		return Key{}, fmt.Errorf("%w: reading %s: %v", ErrIO, path, err)
	}
	if len(data) != Size {
		return Key{}, fmt.Errorf("%w: %s holds %d bytes, expected %d", ErrKeyFormat, path, len(data), Size)
	}

	var k Key
	copy(k[:], data)
	return k, nil
}

// LoadOrGenerate loads the key at path, or generates and saves a new one when
// the file does not exist yet. The returned bool is true for a new key.
func LoadOrGenerate(path string) (Key, bool, error) {
	k, err := Load(path)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return Key{}, false, err
	}

	k, err = Generate()
	if err != nil {
		return Key{}, false, err
	}
	if err := Save(k, path); err != nil {
		return Key{}, false, err
	}
	return k, true, nil
}

// LoadOrCreateSalt returns the salt stored at path, creating it when missing.
// Salts are not secret but must be stable across restarts for Derive to
// reproduce the same key.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < 8 {
			return nil, fmt.Errorf("%w: %s", ErrShortSalt, path)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIO, path, err)
	}

	salt, err = NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating salt directory for %s: %v", ErrIO, path, err)
	}
	if err := os.WriteFile(path, salt, filePerm); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrIO, path, err)
	}
	return salt, nil
}
