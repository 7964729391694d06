package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// On disk every entry is a protobuf message prefixed with its varint length:
//
//	1: sequence     varint
//	2: timestamp    fixed64 (unix nanos)
//	3: event_type   varint
//	4: event_digest bytes(64)
//	5: prev_hash    bytes(64)
//	6: entry_hash   bytes(64)
const (
	fieldSequence    protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldEventType   protowire.Number = 3
	fieldEventDigest protowire.Number = 4
	fieldPrevHash    protowire.Number = 5
	fieldEntryHash   protowire.Number = 6
)

// Every field except sequence and event_type has a fixed width, so a record
// body is always between minMessageSize and maxMessageSize bytes.
const (
	hashFieldSize  = 1 + 1 + len(Hash{})
	minMessageSize = 1 + 1 + 1 + 8 + 1 + 1 + 3*hashFieldSize
	maxMessageSize = 1 + binary.MaxVarintLen64 + 1 + 8 + 1 + 2 + 3*hashFieldSize
	// maxRecordSize bounds a record including its length prefix. Only a
	// trailing fragment shorter than this can be a torn write.
	maxRecordSize = 2 + maxMessageSize
)

var (
	errTornRecord = errors.New("audit: torn record")
	ErrCorrupt    = errors.New("audit: corrupt record")
)

func marshalEntry(e Entry) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldSequence, protowire.VarintType)
	msg = protowire.AppendVarint(msg, e.Sequence)
	msg = protowire.AppendTag(msg, fieldTimestamp, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, uint64(e.Timestamp.UnixNano()))
	msg = protowire.AppendTag(msg, fieldEventType, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(e.EventType))
	msg = protowire.AppendTag(msg, fieldEventDigest, protowire.BytesType)
	msg = protowire.AppendBytes(msg, e.EventDigest[:])
	msg = protowire.AppendTag(msg, fieldPrevHash, protowire.BytesType)
	msg = protowire.AppendBytes(msg, e.PrevHash[:])
	msg = protowire.AppendTag(msg, fieldEntryHash, protowire.BytesType)
	msg = protowire.AppendBytes(msg, e.EntryHash[:])

	record := protowire.AppendVarint(nil, uint64(len(msg)))
	return append(record, msg...)
}

// unmarshalRecord decodes the record at the start of b and returns the
// number of bytes consumed. errTornRecord means b is a short fragment of a
// record; a length prefix outside the record bounds is ErrCorrupt.
func unmarshalRecord(b []byte) (Entry, int, error) {
	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		if len(b) < maxRecordSize && errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return Entry{}, 0, errTornRecord
		}
		return Entry{}, 0, fmt.Errorf("%w: length prefix: %v", ErrCorrupt, protowire.ParseError(n))
	}
	if size < uint64(minMessageSize) || size > uint64(maxMessageSize) {
		return Entry{}, 0, fmt.Errorf("%w: declared record size %d outside [%d, %d]", ErrCorrupt, size, minMessageSize, maxMessageSize)
	}
	if uint64(len(b)-n) < size {
		return Entry{}, 0, errTornRecord
	}

	e, err := unmarshalEntry(b[n : n+int(size)])
	if err != nil {
		return Entry{}, 0, err
	}
	return e, n + int(size), nil
}

func unmarshalEntry(msg []byte) (Entry, error) {
	var e Entry
	var seen [7]bool

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return Entry{}, fmt.Errorf("%w: sequence: %v", ErrCorrupt, protowire.ParseError(m))
			}
			e.Sequence = v
			n = m
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(msg)
			if m < 0 {
				return Entry{}, fmt.Errorf("%w: timestamp: %v", ErrCorrupt, protowire.ParseError(m))
			}
			e.Timestamp = time.Unix(0, int64(v))
			n = m
		case num == fieldEventType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 || v > 0xff {
				return Entry{}, fmt.Errorf("%w: event type", ErrCorrupt)
			}
			e.EventType = EventType(v)
			n = m
		case typ == protowire.BytesType && (num == fieldEventDigest || num == fieldPrevHash || num == fieldEntryHash):
			v, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
			}
			var target *Hash
			switch num {
			case fieldEventDigest:
				target = &e.EventDigest
			case fieldPrevHash:
				target = &e.PrevHash
			default:
				target = &e.EntryHash
			}
			if err := target.HashFromBytes(v); err != nil {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, err)
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, msg)
			if m < 0 {
				return Entry{}, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
			}
			n = m
		}

		if int(num) < len(seen) {
			seen[num] = true
		}
		msg = msg[n:]
	}

	for num := fieldSequence; num <= fieldEntryHash; num++ {
		if !seen[num] {
			return Entry{}, fmt.Errorf("%w: missing field %d", ErrCorrupt, num)
		}
	}
	return e, nil
}

// decodeRecords decodes a whole segment. It returns the entries, the offset
// just after the last complete record and whether the data ended in a torn
// record.
func decodeRecords(data []byte) ([]Entry, int, bool, error) {
	var entries []Entry
	offset := 0
	for offset < len(data) {
		e, n, err := unmarshalRecord(data[offset:])
		if errors.Is(err, errTornRecord) {
			return entries, offset, true, nil
		}
		if err != nil {
			return entries, offset, false, fmt.Errorf("record %d at offset %d: %w", len(entries), offset, err)
		}
		entries = append(entries, e)
		offset += n
	}
	return entries, offset, false, nil
}
