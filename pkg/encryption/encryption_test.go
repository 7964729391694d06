package encryption

import (
	"bytes"
	"testing"

	"github.com/i5heu/ouroboros-rag/pkg/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newKey(t testing.TB) keys.Key {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return k
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		engine := NewEngine(Config{Compression: compress})
		key := newKey(t)
		plaintext := []byte("Hello, World! This is a test message for encryption.")

		ciphertext, nonce, err := engine.Encrypt(key, plaintext, []byte("chunk-1"))
		require.NoError(t, err)
		assert.Len(t, nonce, NonceSize)
		assert.NotContains(t, string(ciphertext), "Hello")

		opened, err := engine.Decrypt(key, ciphertext, nonce, []byte("chunk-1"))
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	engine := NewEngine(Config{})
	key := newKey(t)

	ciphertext, nonce, err := engine.Encrypt(key, nil, nil)
	require.NoError(t, err)

	opened, err := engine.Decrypt(key, ciphertext, nonce, nil)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestDecrypt_WrongKey(t *testing.T) {
	engine := NewEngine(Config{})
	ciphertext, nonce, err := engine.Encrypt(newKey(t), []byte("secret"), nil)
	require.NoError(t, err)

	_, err = engine.Decrypt(newKey(t), ciphertext, nonce, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecrypt_WrongAssociatedData(t *testing.T) {
	engine := NewEngine(Config{})
	key := newKey(t)
	ciphertext, nonce, err := engine.Encrypt(key, []byte("secret"), []byte("chunk-a"))
	require.NoError(t, err)

	_, err = engine.Decrypt(key, ciphertext, nonce, []byte("chunk-b"))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecrypt_InvalidInputs(t *testing.T) {
	engine := NewEngine(Config{})
	key := newKey(t)

	tests := []struct {
		name       string
		key        keys.Key
		ciphertext []byte
		nonce      []byte
		wantErr    error
	}{
		{"short nonce", key, make([]byte, 32), make([]byte, 8), ErrInvalidNonce},
		{"ciphertext shorter than tag", key, make([]byte, 4), make([]byte, NonceSize), ErrAuthentication},
		{"zero key", keys.Key{}, make([]byte, 32), make([]byte, NonceSize), ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Decrypt(tt.key, tt.ciphertext, tt.nonce, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncrypt_ZeroKey(t *testing.T) {
	engine := NewEngine(Config{})
	_, _, err := engine.Encrypt(keys.Key{}, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncrypt_CompressionShrinksRepetitiveInput(t *testing.T) {
	engine := NewEngine(Config{Compression: true})
	key := newKey(t)
	plaintext := bytes.Repeat([]byte("AAAAAAAAAA"), 10000)

	ciphertext, nonce, err := engine.Encrypt(key, plaintext, nil)
	require.NoError(t, err)
	assert.Less(t, len(ciphertext), len(plaintext)/2)

	// an engine without compression still opens compressed payloads
	opened, err := NewEngine(Config{}).Decrypt(key, ciphertext, nonce, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptDecrypt_Property_RoundTrip(t *testing.T) {
	key := newKey(t)
	rapid.Check(t, func(t *rapid.T) {
		engine := NewEngine(Config{Compression: rapid.Bool().Draw(t, "compress")})
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")
		aad := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "aad")

		ciphertext, nonce, err := engine.Encrypt(key, plaintext, aad)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		opened, err := engine.Decrypt(key, ciphertext, nonce, aad)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatal("plaintext mismatch after round-trip")
		}
	})
}

func TestEncrypt_Property_NonDeterministic(t *testing.T) {
	key := newKey(t)
	engine := NewEngine(Config{})
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 1, 1000).Draw(t, "plaintext")

		c1, n1, err := engine.Encrypt(key, plaintext, nil)
		if err != nil {
			t.Fatalf("first Encrypt failed: %v", err)
		}
		c2, n2, err := engine.Encrypt(key, plaintext, nil)
		if err != nil {
			t.Fatalf("second Encrypt failed: %v", err)
		}

		if bytes.Equal(n1, n2) {
			t.Fatal("nonces must differ for each encryption")
		}
		if bytes.Equal(c1, c2) {
			t.Fatal("ciphertexts must differ for each encryption")
		}
	})
}

func TestDecrypt_Property_BitFlipDetected(t *testing.T) {
	key := newKey(t)
	engine := NewEngine(Config{})
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "plaintext")
		ciphertext, nonce, err := engine.Encrypt(key, plaintext, nil)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		flipNonce := rapid.Bool().Draw(t, "flipNonce")
		target := ciphertext
		if flipNonce {
			target = nonce
		}
		bit := rapid.IntRange(0, len(target)*8-1).Draw(t, "bit")
		target[bit/8] ^= 1 << (bit % 8)

		opened, err := engine.Decrypt(key, ciphertext, nonce, nil)
		if err == nil {
			t.Fatalf("tampered payload decrypted to %q", opened)
		}
		if !assert.ErrorIs(t, err, ErrAuthentication) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func BenchmarkEncrypt_1KB(b *testing.B) {
	engine := NewEngine(Config{})
	key := newKey(b)
	content := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = engine.Encrypt(key, content, nil)
	}
}

func BenchmarkDecrypt_1KB(b *testing.B) {
	engine := NewEngine(Config{})
	key := newKey(b)
	ciphertext, nonce, _ := engine.Encrypt(key, make([]byte, 1024), nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = engine.Decrypt(key, ciphertext, nonce, nil)
	}
}
