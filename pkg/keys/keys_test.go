package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rag/internal/testutil"
)

func TestGenerate_Unique(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.False(t, a.IsZero())
	assert.False(t, a.Equal(b), "two generated keys must differ")
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.key")

	k, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(k, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, k.Equal(loaded))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.key"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("too short"), 0o600))
	_, err = Load(short)
	assert.ErrorIs(t, err, ErrKeyFormat)
}

func TestSave_UnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	k, err := Generate()
	require.NoError(t, err)

	err = Save(k, filepath.Join(blocker, "store.key"))
	assert.ErrorIs(t, err, ErrIO)
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")

	first, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, first.Equal(second))
}

func TestDerive_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	a, err := Derive([]byte("correct horse"), salt, MinIterations)
	require.NoError(t, err)
	b, err := Derive([]byte("correct horse"), salt, MinIterations)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	c, err := Derive([]byte("correct horse"), []byte("fedcba9876543210"), MinIterations)
	require.NoError(t, err)
	assert.False(t, a.Equal(c), "different salt must give a different key")
}

func TestDerive_DefaultIterations(t *testing.T) {
	testutil.RequireLong(t)
	salt := []byte("0123456789abcdef")

	a, err := Derive([]byte("correct horse"), salt, DefaultIterations)
	require.NoError(t, err)
	b, err := Derive([]byte("correct horse"), salt, DefaultIterations)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	weak, err := Derive([]byte("correct horse"), salt, MinIterations)
	require.NoError(t, err)
	assert.False(t, a.Equal(weak))
}

func TestDerive_InvalidInputs(t *testing.T) {
	tests := []struct {
		name       string
		passphrase []byte
		salt       []byte
		iterations int
		wantErr    error
	}{
		{"empty passphrase", nil, []byte("0123456789abcdef"), MinIterations, ErrEmptySecret},
		{"short salt", []byte("pw"), []byte("abc"), MinIterations, ErrShortSalt},
		{"weak iterations", []byte("pw"), []byte("0123456789abcdef"), 1000, ErrWeakKDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.passphrase, tt.salt, tt.iterations)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadOrCreateSalt_Stable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.salt")

	a, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, a, SaltSize)

	b, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestKey_FormattingIsRedacted(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	raw := fmt.Sprintf("%x", k[:])
	for _, s := range []string{fmt.Sprint(k), fmt.Sprintf("%v", k), fmt.Sprintf("%#v", k), fmt.Sprintf("%s", k)} {
		assert.NotContains(t, s, raw)
		assert.True(t, strings.HasPrefix(s, "Key("))
	}
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 16))
	assert.ErrorIs(t, err, ErrKeyFormat)

	k, err := FromBytes(make([]byte, Size))
	require.NoError(t, err)
	assert.True(t, k.IsZero())
}
