package audit

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

type Hash [64]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h *Hash) HashFromBytes(b []byte) error {
	if len(b) != len(h) {
		return fmt.Errorf("invalid byte length for Hash: %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// ParseHash decodes the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, h.HashFromBytes(b)
}

// GenesisHash is the prev_hash of the very first entry of a log.
var GenesisHash = Hash(sha512.Sum512([]byte("ouroboros-rag/audit/genesis/v1")))

// EventType enumerates the privacy relevant events that get recorded.
type EventType uint8

const (
	EventIngest EventType = iota + 1
	EventQuery
	EventDecryptFailure
	EventKeyRotation
	EventDeletion
)

// EventTypes lists every valid event type in declaration order.
var EventTypes = []EventType{EventIngest, EventQuery, EventDecryptFailure, EventKeyRotation, EventDeletion}

func (e EventType) String() string {
	switch e {
	case EventIngest:
		return "ingest"
	case EventQuery:
		return "query"
	case EventDecryptFailure:
		return "decrypt-failure"
	case EventKeyRotation:
		return "key-rotation"
	case EventDeletion:
		return "deletion"
	}
	return "unknown"
}

func (e EventType) Valid() bool {
	return e >= EventIngest && e <= EventDeletion
}

func ParseEventType(s string) (EventType, error) {
	for _, e := range EventTypes {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Entry is one link of the audit chain.
type Entry struct {
	Sequence    uint64
	Timestamp   time.Time
	EventType   EventType
	EventDigest Hash // digest of non-sensitive event data, never plaintext
	PrevHash    Hash
	EntryHash   Hash
}

// ComputeHash returns the SHA-512 over
// sequence ‖ timestamp ‖ event_type ‖ event_digest ‖ prev_hash.
func (e *Entry) ComputeHash() Hash {
	var buffer bytes.Buffer

	seq := make([]byte, 8)
	binary.LittleEndian.PutUint64(seq, e.Sequence)
	buffer.Write(seq)

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(e.Timestamp.UnixNano()))
	buffer.Write(ts)

	name := e.EventType.String()
	buffer.WriteByte(byte(len(name)))
	buffer.WriteString(name)

	buffer.Write(e.EventDigest[:])
	buffer.Write(e.PrevHash[:])

	return sha512.Sum512(buffer.Bytes())
}

// Anchor is the externally stored last known good position of a log. It is
// the only way to detect that the tail of a log was cut off.
type Anchor struct {
	Sequence  uint64
	EntryHash Hash
}
