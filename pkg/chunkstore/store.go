// Package chunkstore binds chunk ids to vectors and encrypted passages.
//
// Text is sealed before it reaches storage and opened only while serving a
// query. Every put, query, deletion, decryption failure and key rotation is
// appended to the audit log; ranking is delegated to an index.VectorIndex.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/internal/keyValStore"
	"github.com/i5heu/ouroboros-rag/internal/workerPool"
	"github.com/i5heu/ouroboros-rag/pkg/audit"
	"github.com/i5heu/ouroboros-rag/pkg/encryption"
	"github.com/i5heu/ouroboros-rag/pkg/index"
	"github.com/i5heu/ouroboros-rag/pkg/keys"
)

var (
	ErrDuplicateID        = errors.New("chunkstore: duplicate id")
	ErrNotFound           = errors.New("chunkstore: not found")
	ErrTimeout            = errors.New("chunkstore: timed out")
	ErrHalted             = errors.New("chunkstore: halted")
	ErrRotationInProgress = errors.New("chunkstore: key rotation in progress")
	ErrDimension          = errors.New("chunkstore: vector dimension mismatch")
	ErrInvalidMetadata    = errors.New("chunkstore: invalid metadata")
	ErrInvalidVector      = errors.New("chunkstore: invalid vector")
	ErrClosed             = errors.New("chunkstore: closed")
	ErrKeyMismatch        = errors.New("chunkstore: key does not match stored chunks")
)

const lockStripes = 64

type Config struct {
	KV     *keyValStore.KeyValStore
	Index  index.VectorIndex
	Audit  *audit.Logger
	Sealer encryption.Sealer
	Key    keys.Key
	// Dimension of every stored and queried vector. Zero accepts any length
	// and leaves the check to the index.
	Dimension int
	// IndexTimeout bounds every index call. Zero means no bound.
	IndexTimeout time.Duration
	// Pool runs query decryption and rotation re-encryption. Nil creates a
	// pool owned by the store.
	Pool   *workerPool.WorkerPool
	Logger *logrus.Logger
}

type Store struct {
	config Config
	log    *logrus.Logger
	kv     *keyValStore.KeyValStore
	idx    index.VectorIndex
	audit  *audit.Logger
	sealer encryption.Sealer
	pool   *workerPool.WorkerPool
	ownsWP bool

	// gate is held shared by every chunk operation and exclusively by
	// RotateKey.
	gate    sync.RWMutex
	key     keys.Key
	pending *rotationState
	stripes [lockStripes]sync.Mutex

	stateMu sync.Mutex
	halted  error
	closed  bool
}

// Result is one decrypted passage.
type Result struct {
	ID        string
	Plaintext string
	Score     float64
	Metadata  Metadata
}

func New(config Config) (*Store, error) {
	switch {
	case config.KV == nil:
		return nil, errors.New("chunkstore: no key value store configured")
	case config.Index == nil:
		return nil, errors.New("chunkstore: no index configured")
	case config.Audit == nil:
		return nil, errors.New("chunkstore: no audit logger configured")
	case config.Key.IsZero():
		return nil, fmt.Errorf("chunkstore: %w", encryption.ErrInvalidKey)
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Sealer == nil {
		config.Sealer = encryption.NewEngine(encryption.Config{Logger: config.Logger})
	}

	s := &Store{
		config: config,
		log:    config.Logger,
		kv:     config.KV,
		idx:    index.WithTimeout(config.Index, config.IndexTimeout),
		audit:  config.Audit,
		sealer: config.Sealer,
		pool:   config.Pool,
		key:    config.Key,
	}
	if s.pool == nil {
		s.pool = workerPool.NewWorkerPool(workerPool.Config{})
		s.ownsWP = true
	}

	pending, err := loadRotationState(s.kv)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: %w", err)
	}
	s.pending = pending
	if pending != nil {
		s.log.WithFields(logrus.Fields{
			"old_key":  pending.OldFingerprint,
			"new_key":  pending.NewFingerprint,
			"migrated": pending.Migrated,
		}).Warn("interrupted key rotation found, writes are refused until it is resumed")
	} else if err := s.checkKeyMatches(); err != nil {
		s.halted = err
		s.log.WithError(err).Error("store halted")
	}

	return s, nil
}

// checkKeyMatches fails when chunks are stored but none is sealed under the
// configured key. Writing with a wrong key would leave the store sealed
// under two keys.
func (s *Store) checkKeyMatches() error {
	chunks, err := ListChunks(s.kv)
	if err != nil || len(chunks) == 0 {
		return err
	}
	fp := s.key.Fingerprint()
	for _, c := range chunks {
		if c.KeyFingerprint == fp {
			return nil
		}
	}
	return fmt.Errorf("%w: configured %s, chunks sealed under %s", ErrKeyMismatch, s.key, chunks[0].KeyFingerprint)
}

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.stripes[h.Sum32()%lockStripes]
}

// usable reports why operations are refused. Callers hold gate.
func (s *Store) usable() error {
	s.stateMu.Lock()
	closed, halted := s.closed, s.halted
	s.stateMu.Unlock()

	if closed {
		return ErrClosed
	}
	if halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, halted)
	}
	if err := s.audit.Halted(); err != nil {
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	if s.pending != nil {
		return fmt.Errorf("%w: migrating to key %s", ErrRotationInProgress, s.pending.NewFingerprint)
	}
	return nil
}

func (s *Store) appendAudit(eventType audit.EventType, digest audit.Hash) error {
	_, err := s.audit.Append(eventType, digest)
	if errors.Is(err, audit.ErrHalted) {
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	return err
}

func mapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, index.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (s *Store) checkVector(vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	if s.config.Dimension > 0 && len(vector) != s.config.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), s.config.Dimension)
	}
	sum := 0.0
	for _, x := range vector {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non finite component", ErrInvalidVector)
		}
		sum += x * x
	}
	if math.IsInf(sum, 0) {
		return fmt.Errorf("%w: squared norm overflows", ErrInvalidVector)
	}
	return nil
}

// Put seals plaintext and stores it with vector and metadata under id.
// Chunks are immutable: an existing id fails with ErrDuplicateID.
func (s *Store) Put(ctx context.Context, id string, vector []float64, plaintext string, metadata map[string]any) error {
	if id == "" {
		return errors.New("chunkstore: empty id")
	}
	if err := s.checkVector(vector); err != nil {
		return err
	}
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if err := s.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mapTimeout(err)
	}

	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	if exists, err := s.kv.Exists(chunkKey(id)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	ciphertext, nonce, err := s.sealer.Encrypt(s.key, []byte(plaintext), []byte(id))
	if err != nil {
		return err
	}

	v := make([]float64, len(vector))
	copy(v, vector)
	data, err := encodeGob(Chunk{
		ID:             id,
		Vector:         v,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Metadata:       meta,
		KeyFingerprint: s.key.Fingerprint(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("chunkstore: encoding %s: %w", id, err)
	}
	if err := s.kv.Write(chunkKey(id), data); err != nil {
		return err
	}

	if err := s.idx.Upsert(ctx, id, v); err != nil {
		s.rollbackPut(id, false)
		return mapTimeout(fmt.Errorf("chunkstore: indexing %s: %w", id, err))
	}

	if err := s.appendAudit(audit.EventIngest, IngestDigest(id, meta)); err != nil {
		s.rollbackPut(id, true)
		return err
	}

	s.log.WithFields(logrus.Fields{"id": id, "dimension": len(v)}).Debug("chunk stored")
	return nil
}

// rollbackPut removes a chunk whose put could not be completed. Nothing of
// it has been audited yet.
func (s *Store) rollbackPut(id string, indexed bool) {
	if indexed {
		if err := s.idx.Remove(context.Background(), id); err != nil {
			s.log.WithFields(logrus.Fields{"id": id, "error": err}).Error("rollback: removing index entry failed")
		}
	}
	if err := s.kv.Delete(chunkKey(id)); err != nil {
		s.log.WithFields(logrus.Fields{"id": id, "error": err}).Error("rollback: removing chunk record failed")
	}
}

// rollbackDelete restores a chunk whose deletion could not be audited. A
// chunk that cannot be restored halts the store.
func (s *Store) rollbackDelete(id string, record []byte) {
	if err := s.kv.Write(chunkKey(id), record); err != nil {
		s.Halt(fmt.Errorf("chunk %s deleted without audit entry, restore failed: %w", id, err))
		return
	}
	c, err := decodeChunk(record)
	if err == nil {
		err = s.idx.Upsert(context.Background(), id, c.Vector)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"id": id, "error": err}).Error("rollback: restoring index entry failed")
	}
}

type candidate struct {
	hit       index.Hit
	chunk     Chunk
	plaintext []byte
	missing   bool
	err       error
}

// Query returns up to k passages nearest to vector, ordered by descending
// score with ties broken by ascending id. A candidate that fails to decrypt
// is left out and recorded as a decrypt-failure. The query itself is
// audited with k and the number of results, never the vector or the text.
func (s *Store) Query(ctx context.Context, vector []float64, k int) ([]Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("chunkstore: k must be positive, got %d", k)
	}
	if err := s.checkVector(vector); err != nil {
		return nil, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	hits, err := s.idx.Search(ctx, vector, k)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("chunkstore: searching index: %w", err))
	}
	if len(hits) > k {
		hits = hits[:k]
	}

	candidates, err := s.openCandidates(ctx, hits)
	if err != nil {
		return nil, err
	}

	// nothing has been persisted up to here
	if err := ctx.Err(); err != nil {
		return nil, mapTimeout(err)
	}

	results := make([]Result, 0, len(candidates))
	var failed []string
	for _, c := range candidates {
		switch {
		case c.missing:
			s.log.WithFields(logrus.Fields{"id": c.hit.ID}).Warn("index returned an id without a stored chunk")
		case c.err != nil:
			failed = append(failed, c.hit.ID)
		default:
			results = append(results, Result{
				ID:        c.hit.ID,
				Plaintext: string(c.plaintext),
				Score:     c.hit.Score,
				Metadata:  c.chunk.Metadata.clone(),
			})
		}
	}
	sort.Strings(failed)
	sortResults(results)

	for _, id := range failed {
		s.log.WithFields(logrus.Fields{"id": id}).Error("chunk failed to decrypt, excluded from results")
		if err := s.appendAudit(audit.EventDecryptFailure, audit.Digest(audit.EventDecryptFailure.String(), id)); err != nil {
			return nil, err
		}
	}
	if err := s.appendAudit(audit.EventQuery, queryDigest(k, len(results))); err != nil {
		return nil, err
	}

	return results, nil
}

func queryDigest(k, returned int) audit.Hash {
	return audit.Digest(audit.EventQuery.String(), strconv.Itoa(k), strconv.Itoa(returned))
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// openCandidates reads and decrypts the hits on the worker pool. Only
// storage errors other than a missing record abort.
func (s *Store) openCandidates(ctx context.Context, hits []index.Hit) ([]candidate, error) {
	room := s.pool.CreateRoom(len(hits))
	for _, hit := range hits {
		hit := hit
		err := room.NewTaskWaitForFreeSlot(ctx, func() any {
			return s.openOne(hit)
		})
		if err != nil {
			return nil, mapTimeout(err)
		}
	}

	out := make([]candidate, 0, len(hits))
	for _, r := range room.Collect() {
		c := r.(candidate)
		if c.err != nil && !errors.Is(c.err, encryption.ErrAuthentication) && !errors.Is(c.err, encryption.ErrInvalidNonce) {
			return nil, c.err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) openOne(hit index.Hit) candidate {
	c, err := readChunk(s.kv, hit.ID)
	if errors.Is(err, ErrNotFound) {
		return candidate{hit: hit, missing: true}
	}
	if err != nil {
		return candidate{hit: hit, err: err}
	}
	plaintext, err := s.sealer.Decrypt(s.key, c.Ciphertext, c.Nonce, []byte(c.ID))
	return candidate{hit: hit, chunk: c, plaintext: plaintext, err: err}
}

// Get decrypts a single chunk. It is audited as a query for one result; a
// decryption failure is audited as such and returned.
func (s *Store) Get(ctx context.Context, id string) (Result, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if err := s.usable(); err != nil {
		return Result{}, err
	}

	c := s.openOne(index.Hit{ID: id})
	if c.missing {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, mapTimeout(err)
	}
	if c.err != nil {
		if !errors.Is(c.err, encryption.ErrAuthentication) && !errors.Is(c.err, encryption.ErrInvalidNonce) {
			return Result{}, c.err
		}
		s.log.WithFields(logrus.Fields{"id": id}).Error("chunk failed to decrypt")
		if err := s.appendAudit(audit.EventDecryptFailure, audit.Digest(audit.EventDecryptFailure.String(), id)); err != nil {
			return Result{}, err
		}
		return Result{}, c.err
	}

	if err := s.appendAudit(audit.EventQuery, audit.Digest(audit.EventQuery.String(), "get", id)); err != nil {
		return Result{}, err
	}
	return Result{ID: id, Plaintext: string(c.plaintext), Metadata: c.chunk.Metadata.clone()}, nil
}

// Delete removes the chunk and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if err := s.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mapTimeout(err)
	}

	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.kv.Read(chunkKey(id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	if err := s.kv.Delete(chunkKey(id)); err != nil {
		return err
	}
	// the record is gone; an index entry left behind is skipped by Query
	indexErr := s.idx.Remove(ctx, id)
	if indexErr != nil {
		s.log.WithFields(logrus.Fields{"id": id, "error": indexErr}).Error("removing index entry failed")
	}

	if err := s.appendAudit(audit.EventDeletion, audit.Digest(audit.EventDeletion.String(), id)); err != nil {
		s.rollbackDelete(id, record)
		return err
	}
	s.log.WithFields(logrus.Fields{"id": id}).Debug("chunk deleted")
	return mapTimeout(indexErr)
}

// Rebuild registers every stored vector in the index and returns the number
// of chunks indexed.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	items, err := s.kv.GetItemsWithPrefix([]byte(chunkPrefix))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		c, err := decodeChunk(item[1])
		if err != nil {
			return n, fmt.Errorf("chunkstore: %s: %w", item[0], err)
		}
		if err := s.idx.Upsert(ctx, c.ID, c.Vector); err != nil {
			return n, mapTimeout(fmt.Errorf("chunkstore: indexing %s: %w", c.ID, err))
		}
		n++
	}
	s.log.WithFields(logrus.Fields{"chunks": n}).Info("index rebuilt")
	return n, nil
}

func (s *Store) Count() (int, error) {
	ids, err := chunkIDs(s.kv)
	return len(ids), err
}

// IDs returns every stored id in ascending order.
func (s *Store) IDs() ([]string, error) {
	return chunkIDs(s.kv)
}

func (s *Store) List() ([]ChunkInfo, error) {
	return ListChunks(s.kv)
}

// Halt refuses further operations until Resume.
func (s *Store) Halt(reason error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.halted = reason
	s.log.WithError(reason).Error("store halted")
}

// Halted returns the reason operations are refused, or nil.
func (s *Store) Halted() error {
	s.stateMu.Lock()
	halted := s.halted
	s.stateMu.Unlock()
	if halted != nil {
		return halted
	}
	return s.audit.Halted()
}

// Resume clears a halt after operator intervention. The audit chain is
// verified again and the configured key checked against stored chunks.
func (s *Store) Resume() error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.audit.Resume(); err != nil {
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	if s.pending == nil {
		if err := s.checkKeyMatches(); err != nil {
			return fmt.Errorf("%w: %v", ErrHalted, err)
		}
	}

	s.stateMu.Lock()
	s.halted = nil
	s.stateMu.Unlock()
	s.log.Warn("store resumed by operator")
	return nil
}

// PendingRotation reports the key fingerprints of an interrupted rotation.
func (s *Store) PendingRotation() (oldFingerprint, newFingerprint string, ok bool) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.pending == nil {
		return "", "", false
	}
	return s.pending.OldFingerprint, s.pending.NewFingerprint, true
}

// KeyFingerprint returns the fingerprint of the key new chunks are sealed
// under.
func (s *Store) KeyFingerprint() string {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.key.Fingerprint()
}

// Close waits for running operations. It does not close the KV store or
// the audit log.
func (s *Store) Close() error {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.stateMu.Lock()
	s.closed = true
	s.stateMu.Unlock()
	if s.ownsWP {
		s.pool.Close()
	}
	return nil
}
