package chunkstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-rag/internal/keyValStore"
)

const (
	chunkPrefix = "chunk:"
	rotationKey = "rotation:state"
)

func init() {
	gob.Register(time.Time{})
}

// Chunk is the persisted record of one passage. The plaintext is never part
// of it.
type Chunk struct {
	ID         string
	Vector     []float64
	Ciphertext []byte
	Nonce      []byte
	Metadata   Metadata
	// KeyFingerprint names the key the ciphertext is sealed under.
	KeyFingerprint string
	CreatedAt      time.Time
}

// rotationState is the resumable progress marker of a key rotation. Each
// migrated chunk is written in the same transaction as the updated marker.
type rotationState struct {
	OldFingerprint string
	NewFingerprint string
	Migrated       uint64
	Failed         uint64
	// FailedIDs holds the chunks already audited as decrypt failures, so a
	// resumed rotation counts each of them once.
	FailedIDs map[string]bool
	StartedAt time.Time
}

func chunkKey(id string) []byte {
	return []byte(chunkPrefix + id)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Chunk{}, fmt.Errorf("decoding chunk record: %w", err)
	}
	if c.Metadata == nil {
		c.Metadata = Metadata{}
	}
	return c, nil
}

func readChunk(kv *keyValStore.KeyValStore, id string) (Chunk, error) {
	data, err := kv.Read(chunkKey(id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return Chunk{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Chunk{}, err
	}
	return decodeChunk(data)
}

func loadRotationState(kv *keyValStore.KeyValStore) (*rotationState, error) {
	data, err := kv.Read([]byte(rotationKey))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st rotationState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding rotation marker: %w", err)
	}
	return &st, nil
}

func chunkIDs(kv *keyValStore.KeyValStore) ([]string, error) {
	keys, err := kv.GetKeysWithPrefix([]byte(chunkPrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(string(k), chunkPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// ChunkInfo describes a stored chunk without its ciphertext.
type ChunkInfo struct {
	ID             string
	Dimension      int
	CiphertextSize int
	Metadata       Metadata
	KeyFingerprint string
	CreatedAt      time.Time
}

// ListChunks reads every chunk record from kv without decrypting anything.
func ListChunks(kv *keyValStore.KeyValStore) ([]ChunkInfo, error) {
	items, err := kv.GetItemsWithPrefix([]byte(chunkPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]ChunkInfo, 0, len(items))
	for _, item := range items {
		c, err := decodeChunk(item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", item[0], err)
		}
		out = append(out, ChunkInfo{
			ID:             c.ID,
			Dimension:      len(c.Vector),
			CiphertextSize: len(c.Ciphertext),
			Metadata:       c.Metadata,
			KeyFingerprint: c.KeyFingerprint,
			CreatedAt:      c.CreatedAt,
		})
	}
	return out, nil
}
