package audit

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-rag/internal/testutil"
)

func openTestLog(t *testing.T, config Config) *Logger {
	t.Helper()
	if config.Dir == "" {
		config.Dir = t.TempDir()
	}
	config.Logger = testutil.QuietLogger()
	l, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Logger, n int) []Hash {
	t.Helper()
	hashes := make([]Hash, 0, n)
	for i := 0; i < n; i++ {
		h, err := l.Append(EventTypes[i%len(EventTypes)], Digest("chunk", string(rune('a'+i%26))))
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	return hashes
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := openTestLog(t, Config{})
	hashes := appendN(t, l, 5)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, hashes[i], e.EntryHash)
		if i > 0 {
			assert.Equal(t, entries[i-1].EntryHash, e.PrevHash)
		}
	}
	assert.NoError(t, Verify(entries, VerifyOptions{}))
	assert.Equal(t, Anchor{Sequence: 5, EntryHash: hashes[4]}, l.Head())
}

func TestAppend_RejectsInvalidEventType(t *testing.T) {
	l := openTestLog(t, Config{})
	_, err := l.Append(EventType(0), Hash{})
	assert.Error(t, err)
	_, err = l.Append(EventType(42), Hash{})
	assert.Error(t, err)
}

func TestParseEventType(t *testing.T) {
	for _, e := range EventTypes {
		got, err := ParseEventType(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	_, err := ParseEventType("unknown")
	assert.Error(t, err)
}

func TestVerify_DetectsModifiedDigest(t *testing.T) {
	l := openTestLog(t, Config{})
	appendN(t, l, 10)
	entries, err := l.Entries()
	require.NoError(t, err)

	for target := range entries {
		tampered := append([]Entry(nil), entries...)
		tampered[target].EventDigest = Digest("forged")

		err := Verify(tampered, VerifyOptions{})
		var ce *ChainError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, target, ce.Index)
		assert.ErrorIs(t, err, ErrChainBroken)
	}
}

func TestVerify_DetectsDeletedEntry(t *testing.T) {
	l := openTestLog(t, Config{})
	appendN(t, l, 6)
	entries, err := l.Entries()
	require.NoError(t, err)

	tampered := append(append([]Entry(nil), entries[:3]...), entries[4:]...)
	var ce *ChainError
	require.ErrorAs(t, Verify(tampered, VerifyOptions{}), &ce)
	assert.Equal(t, 3, ce.Index)
}

func TestVerify_DetectsReorderedEntries(t *testing.T) {
	l := openTestLog(t, Config{})
	appendN(t, l, 6)
	entries, err := l.Entries()
	require.NoError(t, err)

	entries[2], entries[3] = entries[3], entries[2]
	var ce *ChainError
	require.ErrorAs(t, Verify(entries, VerifyOptions{}), &ce)
	assert.Equal(t, 2, ce.Index)
}

func TestVerify_DetectsRecomputedForgery(t *testing.T) {
	l := openTestLog(t, Config{})
	appendN(t, l, 4)
	entries, err := l.Entries()
	require.NoError(t, err)

	// an attacker that recomputes the forged entry's own hash still breaks
	// the link to its successor
	entries[1].EventDigest = Digest("forged")
	entries[1].EntryHash = entries[1].ComputeHash()

	var ce *ChainError
	require.ErrorAs(t, Verify(entries, VerifyOptions{}), &ce)
	assert.Equal(t, 2, ce.Index)
}

func TestVerify_TruncationNeedsAnchor(t *testing.T) {
	l := openTestLog(t, Config{})
	hashes := appendN(t, l, 5)
	entries, err := l.Entries()
	require.NoError(t, err)

	truncated := entries[:3]
	assert.NoError(t, Verify(truncated, VerifyOptions{}), "without an anchor a cut tail is indistinguishable from a short log")

	anchor := &Anchor{Sequence: 5, EntryHash: hashes[4]}
	var ce *ChainError
	require.ErrorAs(t, Verify(truncated, VerifyOptions{Anchor: anchor}), &ce)
	assert.Equal(t, 3, ce.Index)
	assert.NoError(t, Verify(entries, VerifyOptions{Anchor: anchor}))
}

func TestAnchorFile_DetectsTruncatedSegment(t *testing.T) {
	dir := t.TempDir()
	anchorPath := filepath.Join(t.TempDir(), "anchor.yaml")
	l := openTestLog(t, Config{Dir: dir, AnchorPath: anchorPath})
	appendN(t, l, 4)
	require.NoError(t, l.Close())

	// cut the last record off the segment file
	entries, err := l.Entries()
	require.NoError(t, err)
	var keep int
	for _, e := range entries[:3] {
		keep += len(marshalEntry(e))
	}
	require.NoError(t, os.Truncate(filepath.Join(dir, SegmentInfo{ID: 1}.FileName()), int64(keep)))

	anchor, err := LoadAnchor(anchorPath)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, uint64(4), anchor.Sequence)

	assert.NoError(t, VerifyDir(dir, nil))
	assert.ErrorIs(t, VerifyDir(dir, anchor), ErrChainBroken)

	reopened, err := Open(Config{Dir: dir, AnchorPath: anchorPath, Logger: testutil.QuietLogger()})
	require.NoError(t, err)
	defer reopened.Close()
	assert.ErrorIs(t, reopened.Halted(), ErrChainBroken)
	_, err = reopened.Append(EventIngest, Hash{})
	assert.ErrorIs(t, err, ErrHalted)
}

func TestOpen_RecoversHeadAndDropsTornRecord(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir})
	hashes := appendN(t, l, 3)
	require.NoError(t, l.Close())

	seg := filepath.Join(dir, SegmentInfo{ID: 1}.FileName())
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	partial := marshalEntry(Entry{Sequence: 4, EventType: EventQuery})
	_, err = f.Write(partial[:len(partial)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTestLog(t, Config{Dir: dir})
	require.NoError(t, reopened.Halted())
	assert.Equal(t, Anchor{Sequence: 3, EntryHash: hashes[2]}, reopened.Head())

	_, err = reopened.Append(EventQuery, Digest("k", "1"))
	require.NoError(t, err)
	require.NoError(t, reopened.VerifyLog())

	entries, err := reopened.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	quarantined, err := filepath.Glob(seg + ".torn-*")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	kept, err := os.ReadFile(quarantined[0])
	require.NoError(t, err)
	assert.Equal(t, partial[:len(partial)/2], kept)
}

func TestOpen_CorruptLengthPrefixHaltsWithoutDroppingEntries(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir})
	appendN(t, l, 5)
	require.NoError(t, l.Close())

	seg := filepath.Join(dir, SegmentInfo{ID: 1}.FileName())
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	record := len(data) / 5
	data[record+1] = 0x7f
	require.NoError(t, os.WriteFile(seg, data, 0o600))

	reopened := openTestLog(t, Config{Dir: dir})
	assert.ErrorIs(t, reopened.Halted(), ErrChainBroken)
	assert.Equal(t, uint64(1), reopened.Head().Sequence)

	after, err := os.ReadFile(seg)
	require.NoError(t, err)
	assert.Equal(t, data, after, "the segment must not be cut")
	quarantined, err := filepath.Glob(seg + ".torn-*")
	require.NoError(t, err)
	assert.Empty(t, quarantined)

	_, err = reopened.Append(EventQuery, Digest("k", "1"))
	assert.ErrorIs(t, err, ErrHalted)
	assert.Error(t, reopened.VerifyLog())
	assert.Error(t, reopened.Resume())
}

func TestUnmarshalRecord_Bounds(t *testing.T) {
	e := Entry{Sequence: 7, EventType: EventIngest, PrevHash: GenesisHash}
	e.EntryHash = e.ComputeHash()
	record := marshalEntry(e)

	_, _, err := unmarshalRecord(record[:len(record)-1])
	assert.ErrorIs(t, err, errTornRecord)
	_, _, err = unmarshalRecord(record[:1])
	assert.ErrorIs(t, err, errTornRecord)

	oversized := append([]byte(nil), record...)
	oversized[1] = 0x7f
	_, _, err = unmarshalRecord(oversized)
	assert.ErrorIs(t, err, ErrCorrupt)

	undersized := append([]byte{0x05}, record[2:]...)
	_, _, err = unmarshalRecord(undersized)
	assert.ErrorIs(t, err, ErrCorrupt)

	big := Entry{Sequence: ^uint64(0), EventType: EventDeletion}
	size, n := protowire.ConsumeVarint(marshalEntry(big))
	assert.Equal(t, 2, n)
	assert.LessOrEqual(t, size, uint64(maxMessageSize))
	assert.GreaterOrEqual(t, uint64(len(record)-2), uint64(minMessageSize))
}

func TestVerifyLog_HaltsOnTamperedSegment(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir})
	appendN(t, l, 3)

	seg := filepath.Join(dir, SegmentInfo{ID: 1}.FileName())
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	entries, _, _, err := decodeRecords(data)
	require.NoError(t, err)
	entries[1].EventDigest = Digest("forged")
	var rewritten []byte
	for _, e := range entries {
		rewritten = append(rewritten, marshalEntry(e)...)
	}
	require.NoError(t, os.WriteFile(seg, rewritten, 0o600))

	err = l.VerifyLog()
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)

	_, err = l.Append(EventIngest, Hash{})
	assert.ErrorIs(t, err, ErrHalted)
	assert.Error(t, l.Resume(), "resume must refuse while the chain is still broken")
}

func TestRotation_ByEntryCount(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, SegmentMaxEntries: 3})
	appendN(t, l, 8)

	segments := l.Segments()
	require.Len(t, segments, 3)
	assert.True(t, segments[0].Sealed)
	assert.True(t, segments[1].Sealed)
	assert.False(t, segments[2].Sealed)
	assert.Equal(t, uint64(4), segments[1].FirstSequence)
	assert.Equal(t, segments[0].FinalHash, segments[1].Genesis)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 8)
	assert.NoError(t, Verify(entries, VerifyOptions{}))
	assert.NoError(t, l.VerifyLog())
}

func TestRotation_ByAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	l := openTestLog(t, Config{SegmentMaxAge: time.Hour, Now: clock})
	appendN(t, l, 2)
	advance(30 * time.Minute)
	appendN(t, l, 1)
	assert.Len(t, l.Segments(), 1)

	advance(31 * time.Minute)
	appendN(t, l, 1)
	assert.Len(t, l.Segments(), 2)
	assert.NoError(t, l.VerifyLog())
}

func TestRotation_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, SegmentMaxEntries: 2})
	appendN(t, l, 5)
	require.NoError(t, l.Close())

	reopened := openTestLog(t, Config{Dir: dir, SegmentMaxEntries: 2})
	require.NoError(t, reopened.Halted())
	assert.Equal(t, uint64(5), reopened.Head().Sequence)
	appendN(t, reopened, 2)
	require.NoError(t, reopened.VerifyLog())

	stats, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.Total)
	assert.Equal(t, 4, stats.Segments)
}

func TestVerifyDir_DetectsMissingSegment(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, SegmentMaxEntries: 2})
	appendN(t, l, 5)
	require.NoError(t, l.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, SegmentInfo{ID: 2}.FileName())))
	var ce *ChainError
	require.ErrorAs(t, VerifyDir(dir, nil), &ce)
	assert.Equal(t, 2, ce.Index)
}

func TestAppend_ConcurrentCallersKeepChainIntact(t *testing.T) {
	l := openTestLog(t, Config{SegmentMaxEntries: 7})

	var wg sync.WaitGroup
	errs := make(chan error, 8*25)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := l.Append(EventQuery, Digest("worker")); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	entries, err := l.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 200)
	assert.NoError(t, Verify(entries, VerifyOptions{}))
}

func TestStats_CountsPerType(t *testing.T) {
	l := openTestLog(t, Config{})
	for _, et := range []EventType{EventIngest, EventIngest, EventQuery, EventDeletion} {
		_, err := l.Append(et, Hash{})
		require.NoError(t, err)
	}

	stats, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Total)
	assert.Equal(t, uint64(2), stats.ByType[EventIngest])
	assert.Equal(t, uint64(1), stats.ByType[EventQuery])
	assert.Equal(t, uint64(0), stats.ByType[EventKeyRotation])
}

func TestVerify_Property_AnySingleMutationIsFound(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir})
	appendN(t, l, 20)
	entries, err := l.Entries()
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		tampered := append([]Entry(nil), entries...)
		i := rapid.IntRange(0, len(tampered)-1).Draw(t, "index")
		field := rapid.IntRange(0, 3).Draw(t, "field")
		switch field {
		case 0:
			tampered[i].EventDigest[rapid.IntRange(0, 63).Draw(t, "byte")] ^= 0x01
		case 1:
			tampered[i].Timestamp = tampered[i].Timestamp.Add(time.Nanosecond)
		case 2:
			tampered[i].EventType = EventTypes[(int(tampered[i].EventType)+rapid.IntRange(0, 3).Draw(t, "shift"))%len(EventTypes)]
		case 3:
			tampered[i].PrevHash[rapid.IntRange(0, 63).Draw(t, "byte")] ^= 0x80
		}
		if field == 2 && tampered[i].EventType == entries[i].EventType {
			return
		}

		err := Verify(tampered, VerifyOptions{})
		var ce *ChainError
		if !errors.As(err, &ce) {
			t.Fatalf("mutation of field %d at %d not detected", field, i)
		}
		if ce.Index != i {
			t.Fatalf("expected first failure at %d, got %d", i, ce.Index)
		}
	})
}

func TestWire_RoundTrip(t *testing.T) {
	e := Entry{
		Sequence:    42,
		Timestamp:   time.Unix(0, 1_700_000_000_123_456_789),
		EventType:   EventKeyRotation,
		EventDigest: Digest("a"),
		PrevHash:    GenesisHash,
	}
	e.EntryHash = e.ComputeHash()

	got, n, err := unmarshalRecord(marshalEntry(e))
	require.NoError(t, err)
	assert.Equal(t, len(marshalEntry(e)), n)
	assert.Equal(t, e, got)
}

func TestDigest_LengthPrefixed(t *testing.T) {
	assert.NotEqual(t, Digest("ab", "c"), Digest("a", "bc"))
	assert.Equal(t, DigestMap(map[string]string{"b": "2", "a": "1"}, "id"), DigestMap(map[string]string{"a": "1", "b": "2"}, "id"))
}
