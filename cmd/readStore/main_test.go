package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rag/pkg/chunkstore"
)

func sampleChunks() []chunkstore.ChunkInfo {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []chunkstore.ChunkInfo{
		{ID: "b", Dimension: 3, CiphertextSize: 40, KeyFingerprint: "new", CreatedAt: created, Metadata: chunkstore.Metadata{}},
		{ID: "a", Dimension: 3, CiphertextSize: 33, KeyFingerprint: "old", CreatedAt: created, Metadata: chunkstore.Metadata{"source": "a.md"}},
	}
}

func TestPrintChunks_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printChunks(&buf, sampleChunks(), false))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "a\tdim=3\tsealed=33B\tkey=old\tcreated=2024-03-01T12:00:00Z"))
	assert.Contains(t, lines[0], "source:a.md")
	assert.True(t, strings.HasPrefix(lines[1], "b\t"))
	assert.Contains(t, out, "Total number of chunks: 2")
	assert.Contains(t, out, "more than one key")
}

func TestPrintChunks_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printChunks(&buf, sampleChunks(), true))

	dec := json.NewDecoder(&buf)
	var first chunkstore.ChunkInfo
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "a.md", first.Metadata["source"])
	assert.NotContains(t, buf.String(), "Total number")
}
