package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", c.DataPath)
	assert.Equal(t, filepath.Join("data", "ouroboros.key"), filepath.Clean(c.KeyPath))
	assert.Equal(t, filepath.Join("data", "audit"), filepath.Clean(c.AuditDir))
	assert.Equal(t, 600_000, c.KDFIterations)
	assert.Equal(t, 24*time.Hour, c.SegmentMaxAge)
	assert.Equal(t, 3, c.TopK)
	assert.Equal(t, 0.5, c.ScoreThreshold)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, filepath.Join("data", "chunks"), filepath.Clean(c.ChunkPath()))

	r := c.RAG()
	assert.Equal(t, 3, r.TopK)
	assert.Equal(t, 30*time.Second, r.EmbedTimeout)
	assert.Nil(t, r.Store)
}

func TestLoad_File(t *testing.T) {
	t.Setenv(EnvPassphrase, "correct horse")
	path := writeFile(t, "config.yaml", `
dataPath: /var/lib/rag
dimension: 384
compression: true
segmentMaxEntries: 10
segmentMaxAge: 90m
indexTimeout: 250ms
anchorPath: /mnt/anchor/audit.anchor
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rag", c.DataPath)
	assert.Equal(t, "/var/lib/rag/ouroboros.key", c.KeyPath)
	assert.Equal(t, 384, c.Dimension)
	assert.True(t, c.Compression)
	assert.Equal(t, uint64(10), c.SegmentMaxEntries)
	assert.Equal(t, 90*time.Minute, c.SegmentMaxAge)
	assert.Equal(t, 250*time.Millisecond, c.IndexTimeout)
	assert.Equal(t, "/mnt/anchor/audit.anchor", c.AnchorPath)
	assert.Equal(t, "correct horse", c.Passphrase)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "dataPth: /x\n"},
		{"weak kdf", "kdfIterations: 1000\n"},
		{"bad threshold", "scoreThreshold: 2\n"},
		{"negative dimension", "dimension: -1\n"},
		{"malformed", "dimension: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	os.Unsetenv(EnvPassphrase)
	env := writeFile(t, ".env", EnvPassphrase+"=from-dotenv\n")

	require.NoError(t, LoadEnv(env, filepath.Join(t.TempDir(), "absent.env")))
	t.Cleanup(func() { os.Unsetenv(EnvPassphrase) })

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", c.Passphrase)
}
