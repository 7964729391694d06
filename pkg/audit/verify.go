package audit

import (
	"errors"
	"fmt"
)

var ErrChainBroken = errors.New("audit: chain broken")

// ChainError reports the first entry at which verification failed. Index is
// the position within the verified slice; it equals len(entries) when the
// failure is a truncated tail.
type ChainError struct {
	Index    int
	Sequence uint64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at index %d (sequence %d): %s", e.Index, e.Sequence, e.Reason)
}

func (e *ChainError) Unwrap() error {
	return ErrChainBroken
}

type VerifyOptions struct {
	// Genesis is the prev_hash expected for entries[0]. Zero means GenesisHash.
	Genesis Hash
	// FirstSequence is the sequence expected for entries[0]. Zero means 1.
	FirstSequence uint64
	// Anchor, when set, is the last known good position stored outside the
	// log. Without it a cut-off tail cannot be detected.
	Anchor *Anchor
}

// Verify replays entries from the genesis value and recomputes every hash.
// It returns nil or a *ChainError naming the first bad entry.
func Verify(entries []Entry, opts VerifyOptions) error {
	prev := opts.Genesis
	if prev.IsZero() {
		prev = GenesisHash
	}
	first := opts.FirstSequence
	if first == 0 {
		first = 1
	}

	for i := range entries {
		e := &entries[i]
		expected := first + uint64(i)

		switch {
		case e.Sequence != expected:
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: fmt.Sprintf("expected sequence %d", expected)}
		case !e.EventType.Valid():
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "invalid event type"}
		case e.PrevHash != prev:
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "prev_hash does not match preceding entry"}
		case e.ComputeHash() != e.EntryHash:
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "entry_hash mismatch"}
		}
		prev = e.EntryHash
	}

	if opts.Anchor != nil {
		return checkAnchor(entries, first, *opts.Anchor)
	}
	return nil
}

func checkAnchor(entries []Entry, first uint64, anchor Anchor) error {
	if anchor.Sequence < first {
		return nil
	}
	pos := anchor.Sequence - first
	if pos >= uint64(len(entries)) {
		return &ChainError{
			Index:    len(entries),
			Sequence: anchor.Sequence,
			Reason:   fmt.Sprintf("log truncated: anchor at sequence %d, log holds %d entries", anchor.Sequence, len(entries)),
		}
	}
	if entries[pos].EntryHash != anchor.EntryHash {
		return &ChainError{Index: int(pos), Sequence: anchor.Sequence, Reason: "entry_hash differs from anchor"}
	}
	return nil
}
