// Package audit implements an append-only, hash-chained event log.
//
// Every entry commits to its predecessor through prev_hash, so changing,
// removing or reordering any persisted entry is detected by Verify. The log
// is split into segment files; sealing a segment records its final hash in
// the manifest and the next segment starts from that hash, so the chain
// runs unbroken across segment boundaries.
//
// Detecting a cut-off tail needs a last known hash kept outside the log
// directory. Set Config.AnchorPath to a location on separate storage and
// pass the anchor to Verify.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrHalted = errors.New("audit: log halted")

type Config struct {
	Dir string
	// AnchorPath receives the last (sequence, entry_hash) after every append.
	// Empty disables anchoring.
	AnchorPath string
	// SegmentMaxEntries seals the active segment once it holds this many
	// entries. Zero disables the entry threshold.
	SegmentMaxEntries uint64
	// SegmentMaxAge seals a non-empty active segment older than this.
	// Zero disables the age threshold.
	SegmentMaxAge time.Duration
	Logger        *logrus.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Logger appends entries to the log. All appends are serialized by one
// mutex because sequence and prev_hash depend on the preceding entry.
type Logger struct {
	config Config
	log    *logrus.Logger

	mu       sync.Mutex
	file     *os.File
	manifest manifest
	lastHash Hash
	lastSeq  uint64
	halted   error
	closed   bool
}

// Open opens or creates the log in config.Dir. A torn trailing fragment left
// by a crash, shorter than one record, is moved to a quarantine file next to
// the segment. Any other undecodable record is left in place. If the
// existing chain does not verify, the Logger is returned halted: reads work,
// appends fail with ErrHalted.
func Open(config Config) (*Logger, error) {
	if config.Dir == "" {
		return nil, errors.New("audit: no directory configured")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if err := os.MkdirAll(config.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("audit: creating %s: %w", config.Dir, err)
	}

	l := &Logger{
		config:   config,
		log:      config.Logger,
		lastHash: GenesisHash,
	}

	m, err := loadManifest(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	l.manifest = m

	if l.manifest.active() == nil {
		if err := l.startSegment(1, GenesisHash, 1); err != nil {
			return nil, err
		}
	} else if err := l.recoverActive(); err != nil {
		return nil, err
	}

	if err := l.verifyLocked(); err != nil {
		l.halted = err
		l.log.WithFields(logrus.Fields{
			"dir":   config.Dir,
			"error": err,
		}).Error("audit chain failed verification on open, appends are halted")
	}

	l.log.WithFields(logrus.Fields{
		"dir":      config.Dir,
		"segments": len(l.manifest.Segments),
		"sequence": l.lastSeq,
	}).Info("audit log opened")

	return l, nil
}

// recoverActive replays the active segment to restore the chain head.
func (l *Logger) recoverActive() error {
	active := l.manifest.active()
	path := filepath.Join(l.config.Dir, active.FileName())

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("audit: reading active segment: %w", err)
	}

	entries, offset, torn, decodeErr := decodeRecords(data)
	if torn {
		quarantine, err := quarantineTail(path, data[offset:], offset)
		if err != nil {
			return err
		}
		l.log.WithFields(logrus.Fields{
			"segment":    active.ID,
			"offset":     offset,
			"bytes":      len(data) - offset,
			"quarantine": quarantine,
		}).Warn("moved torn record at end of active segment to quarantine")
	}

	genesis, err := ParseHash(active.Genesis)
	if err != nil {
		return fmt.Errorf("audit: active segment genesis: %w", err)
	}
	l.lastHash = genesis
	l.lastSeq = active.FirstSequence - 1
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		l.lastHash = last.EntryHash
		l.lastSeq = last.Sequence
	}
	active.Entries = uint64(len(entries))

	if decodeErr != nil {
		// verifyLocked reports it and halts
		l.log.WithFields(logrus.Fields{"segment": active.ID, "error": decodeErr}).Error("active segment is corrupt")
	}

	return l.openFile(path)
}

// quarantineTail moves a torn trailing fragment out of the segment. The
// fragment is written and synced to <segment>.torn-<offset> before the
// segment is cut back to offset.
func quarantineTail(path string, fragment []byte, offset int) (string, error) {
	quarantine := fmt.Sprintf("%s.torn-%d", path, offset)
	if err := writeFileAtomic(quarantine, fragment); err != nil {
		return "", fmt.Errorf("audit: quarantining torn record: %w", err)
	}
	if err := os.Truncate(path, int64(offset)); err != nil {
		return "", fmt.Errorf("audit: removing torn record: %w", err)
	}
	return quarantine, nil
}

func (l *Logger) openFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("audit: opening segment: %w", err)
	}
	l.file = f
	return nil
}

func (l *Logger) startSegment(id uint64, genesis Hash, firstSeq uint64) error {
	l.manifest.Segments = append(l.manifest.Segments, SegmentInfo{
		ID:            id,
		FirstSequence: firstSeq,
		Genesis:       genesis.String(),
		OpenedAt:      l.config.Now().UTC(),
	})
	if err := saveManifest(l.config.Dir, l.manifest); err != nil {
		l.manifest.Segments = l.manifest.Segments[:len(l.manifest.Segments)-1]
		return fmt.Errorf("audit: %w", err)
	}
	return l.openFile(filepath.Join(l.config.Dir, SegmentInfo{ID: id}.FileName()))
}

// Append records one event and returns its entry_hash. The entry is
// fsynced before Append returns.
func (l *Logger) Append(eventType EventType, digest Hash) (Hash, error) {
	if !eventType.Valid() {
		return Hash{}, fmt.Errorf("audit: invalid event type %d", eventType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Hash{}, errors.New("audit: log closed")
	}
	if l.halted != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}

	now := l.config.Now()
	if l.shouldRotate(now) {
		if err := l.rotateLocked(); err != nil {
			return Hash{}, err
		}
	}

	entry := Entry{
		Sequence:    l.lastSeq + 1,
		Timestamp:   time.Unix(0, now.UnixNano()),
		EventType:   eventType,
		EventDigest: digest,
		PrevHash:    l.lastHash,
	}
	entry.EntryHash = entry.ComputeHash()

	if _, err := l.file.Write(marshalEntry(entry)); err != nil {
		l.halted = fmt.Errorf("write failed: %w", err)
		return Hash{}, fmt.Errorf("audit: writing entry %d: %w", entry.Sequence, err)
	}
	if err := l.file.Sync(); err != nil {
		l.halted = fmt.Errorf("sync failed: %w", err)
		return Hash{}, fmt.Errorf("audit: syncing entry %d: %w", entry.Sequence, err)
	}

	l.lastHash = entry.EntryHash
	l.lastSeq = entry.Sequence
	l.manifest.active().Entries++

	if l.config.AnchorPath != "" {
		if err := saveAnchor(l.config.AnchorPath, Anchor{Sequence: entry.Sequence, EntryHash: entry.EntryHash}); err != nil {
			// the entry itself is durable; a stale anchor only weakens
			// truncation detection
			l.log.WithFields(logrus.Fields{"sequence": entry.Sequence, "error": err}).Error("failed to update audit anchor")
		}
	}

	l.log.WithFields(logrus.Fields{
		"sequence": entry.Sequence,
		"event":    eventType.String(),
	}).Debug("audit entry appended")

	return entry.EntryHash, nil
}

func (l *Logger) shouldRotate(now time.Time) bool {
	active := l.manifest.active()
	if active.Entries == 0 {
		return false
	}
	if l.config.SegmentMaxEntries > 0 && active.Entries >= l.config.SegmentMaxEntries {
		return true
	}
	if l.config.SegmentMaxAge > 0 && now.Sub(active.OpenedAt) >= l.config.SegmentMaxAge {
		return true
	}
	return false
}

// Rotate seals the active segment and starts a new one, regardless of
// thresholds. Rotating an empty segment is a no-op.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}
	if l.manifest.active().Entries == 0 {
		return nil
	}
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	active := l.manifest.active()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: syncing segment %d: %w", active.ID, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: closing segment %d: %w", active.ID, err)
	}

	active.Sealed = true
	active.SealedAt = l.config.Now().UTC()
	active.LastSequence = l.lastSeq
	active.FinalHash = l.lastHash.String()
	sealedID := active.ID

	if err := l.startSegment(sealedID+1, l.lastHash, l.lastSeq+1); err != nil {
		l.halted = fmt.Errorf("segment rotation failed: %w", err)
		return err
	}

	l.log.WithFields(logrus.Fields{
		"segment":    sealedID,
		"final_hash": l.lastHash.String(),
		"sequence":   l.lastSeq,
	}).Info("audit segment sealed")
	return nil
}

// Entries returns every persisted entry in sequence order.
func (l *Logger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, _, err := ReadLog(l.config.Dir)
	return all, err
}

// Segments returns a copy of the manifest.
func (l *Logger) Segments() []SegmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SegmentInfo, len(l.manifest.Segments))
	copy(out, l.manifest.Segments)
	return out
}

// VerifyLog verifies the persisted log, including segment seals and the
// configured anchor. A failure halts further appends.
func (l *Logger) VerifyLog() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.verifyLocked()
	if err != nil {
		l.halted = err
		l.log.WithFields(logrus.Fields{"error": err}).Error("audit chain verification failed, appends are halted")
	}
	return err
}

func (l *Logger) verifyLocked() error {
	var anchor *Anchor
	if l.config.AnchorPath != "" {
		a, err := LoadAnchor(l.config.AnchorPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChainBroken, err)
		}
		anchor = a
	}
	// the in-memory head is a second, process local anchor
	if anchor == nil || anchor.Sequence < l.lastSeq {
		if l.lastSeq > 0 {
			anchor = &Anchor{Sequence: l.lastSeq, EntryHash: l.lastHash}
		}
	}
	return verifySegments(l.config.Dir, l.manifest.Segments, anchor)
}

// Halted returns the reason appends are refused, or nil.
func (l *Logger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Resume clears a halt after operator intervention. The chain must verify
// again before appends are accepted.
func (l *Logger) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verifyLocked(); err != nil {
		l.halted = err
		return err
	}
	l.halted = nil
	l.log.Warn("audit log resumed by operator")
	return nil
}

// Head returns the sequence and hash of the newest entry. With an empty log
// it returns (0, GenesisHash).
func (l *Logger) Head() Anchor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Anchor{Sequence: l.lastSeq, EntryHash: l.lastHash}
}

// Stats counts persisted entries per event type.
type Stats struct {
	Total    uint64
	ByType   map[EventType]uint64
	Segments int
}

func (l *Logger) Stats() (Stats, error) {
	entries, err := l.Entries()
	if err != nil {
		return Stats{}, err
	}
	return statsOf(entries, len(l.Segments())), nil
}

func statsOf(entries []Entry, segments int) Stats {
	s := Stats{ByType: make(map[EventType]uint64), Segments: segments}
	for _, e := range entries {
		s.Total++
		s.ByType[e.EventType]++
	}
	return s
}

// ComputeStats is the read-only variant of Logger.Stats for a log directory.
func ComputeStats(dir string) (Stats, error) {
	entries, segments, err := ReadLog(dir)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(entries, len(segments)), nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := saveManifest(l.config.Dir, l.manifest); err != nil {
		l.file.Close()
		return fmt.Errorf("audit: %w", err)
	}
	return l.file.Close()
}
