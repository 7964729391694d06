package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/internal/keyValStore"
	"github.com/i5heu/ouroboros-rag/pkg/audit"
	"github.com/i5heu/ouroboros-rag/pkg/encryption"
	"github.com/i5heu/ouroboros-rag/pkg/keys"
)

// RotationReport summarizes a finished rotation.
type RotationReport struct {
	OldFingerprint string
	NewFingerprint string
	Migrated       uint64
	// Failed counts chunks that could not be opened under the old key. They
	// stay sealed under it and were audited as decrypt failures.
	Failed  uint64
	Resumed bool
}

type rotated struct {
	id    string
	chunk Chunk
	done  bool
	err   error
}

// RotateKey re-seals every chunk under newKey with a fresh nonce. It holds
// the store exclusively. Each chunk is rewritten together with the progress
// marker in one transaction, so an interrupted rotation leaves every chunk
// under exactly one of the two keys; calling RotateKey again with the same
// newKey resumes it. A single key-rotation entry is audited on completion.
func (s *Store) RotateKey(ctx context.Context, newKey keys.Key) (RotationReport, error) {
	if newKey.IsZero() {
		return RotationReport{}, fmt.Errorf("chunkstore: %w", encryption.ErrInvalidKey)
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	s.stateMu.Lock()
	closed, halted := s.closed, s.halted
	s.stateMu.Unlock()
	if closed {
		return RotationReport{}, ErrClosed
	}
	if halted != nil {
		return RotationReport{}, fmt.Errorf("%w: %v", ErrHalted, halted)
	}
	if err := s.audit.Halted(); err != nil {
		return RotationReport{}, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	oldFP, newFP := s.key.Fingerprint(), newKey.Fingerprint()
	state := s.pending
	resumed := state != nil
	switch {
	case state != nil && state.NewFingerprint != newFP:
		return RotationReport{}, fmt.Errorf("%w: pending rotation targets key %s", ErrRotationInProgress, state.NewFingerprint)
	case state != nil && state.OldFingerprint != oldFP:
		return RotationReport{}, fmt.Errorf("%w: pending rotation started from key %s, store holds %s", ErrKeyMismatch, state.OldFingerprint, oldFP)
	case state == nil && s.key.Equal(newKey):
		return RotationReport{}, errors.New("chunkstore: new key equals current key")
	case state == nil:
		state = &rotationState{OldFingerprint: oldFP, NewFingerprint: newFP, StartedAt: time.Now().UTC()}
		data, err := encodeGob(state)
		if err != nil {
			return RotationReport{}, err
		}
		if err := s.kv.Write([]byte(rotationKey), data); err != nil {
			return RotationReport{}, err
		}
		s.pending = state
	}

	log := s.log.WithFields(logrus.Fields{"old_key": oldFP, "new_key": newFP})
	log.WithFields(logrus.Fields{"resumed": resumed, "migrated": state.Migrated}).Info("key rotation started")

	ids, err := chunkIDs(s.kv)
	if err != nil {
		return RotationReport{}, err
	}

	const batch = 64
	for start := 0; start < len(ids); start += batch {
		if err := ctx.Err(); err != nil {
			log.WithFields(logrus.Fields{"migrated": state.Migrated}).Warn("key rotation interrupted, resumable")
			return RotationReport{}, mapTimeout(err)
		}
		end := min(start+batch, len(ids))

		results, err := s.resealBatch(ctx, ids[start:end], newKey, newFP)
		if err != nil {
			return RotationReport{}, err
		}
		for _, r := range results {
			if err := s.commitResealed(state, r); err != nil {
				return RotationReport{}, err
			}
		}
	}

	if err := s.kv.Delete([]byte(rotationKey)); err != nil {
		return RotationReport{}, err
	}
	s.key = newKey
	s.pending = nil

	report := RotationReport{
		OldFingerprint: oldFP,
		NewFingerprint: newFP,
		Migrated:       state.Migrated,
		Failed:         state.Failed,
		Resumed:        resumed,
	}
	digest := audit.Digest(audit.EventKeyRotation.String(), oldFP, newFP,
		strconv.FormatUint(report.Migrated, 10), strconv.FormatUint(report.Failed, 10))
	if err := s.appendAudit(audit.EventKeyRotation, digest); err != nil {
		return report, err
	}

	log.WithFields(logrus.Fields{"migrated": report.Migrated, "failed": report.Failed}).Info("key rotation finished")
	return report, nil
}

// resealBatch opens and re-seals chunks on the worker pool. Chunks already
// under newFP come back marked done.
func (s *Store) resealBatch(ctx context.Context, ids []string, newKey keys.Key, newFP string) ([]rotated, error) {
	room := s.pool.CreateRoom(len(ids))
	for _, id := range ids {
		id := id
		err := room.NewTaskWaitForFreeSlot(ctx, func() any {
			c, err := readChunk(s.kv, id)
			if err != nil {
				return rotated{id: id, err: err}
			}
			if c.KeyFingerprint == newFP {
				return rotated{id: id, done: true}
			}
			plaintext, err := s.sealer.Decrypt(s.key, c.Ciphertext, c.Nonce, []byte(c.ID))
			if err != nil {
				return rotated{id: id, chunk: c, err: err}
			}
			ciphertext, nonce, err := s.sealer.Encrypt(newKey, plaintext, []byte(c.ID))
			if err != nil {
				return rotated{id: id, chunk: c, err: err}
			}
			c.Ciphertext, c.Nonce, c.KeyFingerprint = ciphertext, nonce, newFP
			return rotated{id: id, chunk: c}
		})
		if err != nil {
			return nil, mapTimeout(err)
		}
	}

	collected := room.Collect()
	out := make([]rotated, 0, len(collected))
	for _, r := range collected {
		out = append(out, r.(rotated))
	}
	return out, nil
}

// commitResealed writes one re-sealed chunk and the advanced marker
// atomically.
func (s *Store) commitResealed(state *rotationState, r rotated) error {
	switch {
	case r.done, errors.Is(r.err, ErrNotFound):
		return nil
	case errors.Is(r.err, encryption.ErrAuthentication), errors.Is(r.err, encryption.ErrInvalidNonce):
		return s.recordFailed(state, r.id)
	case r.err != nil:
		return fmt.Errorf("chunkstore: re-sealing %s: %w", r.id, r.err)
	}

	next := *state
	next.Migrated++
	chunkData, err := encodeGob(r.chunk)
	if err != nil {
		return err
	}
	stateData, err := encodeGob(&next)
	if err != nil {
		return err
	}
	err = s.kv.Update(func(txn *keyValStore.Txn) error {
		if err := txn.Set(chunkKey(r.id), chunkData); err != nil {
			return err
		}
		return txn.Set([]byte(rotationKey), stateData)
	})
	if err != nil {
		return fmt.Errorf("chunkstore: writing re-sealed %s: %w", r.id, err)
	}
	*state = next
	return nil
}

// recordFailed audits a chunk that cannot be opened under the old key and
// adds it to the marker. A chunk already in the marker is skipped.
func (s *Store) recordFailed(state *rotationState, id string) error {
	if state.FailedIDs[id] {
		return nil
	}
	s.log.WithFields(logrus.Fields{"id": id}).Error("chunk failed to decrypt during key rotation, left under old key")
	if err := s.appendAudit(audit.EventDecryptFailure, audit.Digest(audit.EventDecryptFailure.String(), id)); err != nil {
		return err
	}

	next := *state
	next.Failed++
	next.FailedIDs = make(map[string]bool, len(state.FailedIDs)+1)
	for failed := range state.FailedIDs {
		next.FailedIDs[failed] = true
	}
	next.FailedIDs[id] = true
	data, err := encodeGob(&next)
	if err != nil {
		return err
	}
	if err := s.kv.Write([]byte(rotationKey), data); err != nil {
		return fmt.Errorf("chunkstore: recording failed chunk %s: %w", id, err)
	}
	*state = next
	return nil
}
