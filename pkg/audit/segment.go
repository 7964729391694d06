package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	manifestName  = "manifest.yaml"
	segmentFormat = "segment-%08d.log"
	filePerm      = 0o600
	dirPerm       = 0o700
)

// SegmentInfo describes one physical segment file. The active segment is
// listed with Sealed == false.
type SegmentInfo struct {
	ID            uint64    `yaml:"id"`
	FirstSequence uint64    `yaml:"first_sequence"`
	LastSequence  uint64    `yaml:"last_sequence,omitempty"`
	Entries       uint64    `yaml:"entries"`
	Genesis       string    `yaml:"genesis"`
	FinalHash     string    `yaml:"final_hash,omitempty"`
	OpenedAt      time.Time `yaml:"opened_at"`
	SealedAt      time.Time `yaml:"sealed_at,omitempty"`
	Sealed        bool      `yaml:"sealed"`
}

func (s SegmentInfo) FileName() string {
	return fmt.Sprintf(segmentFormat, s.ID)
}

type manifest struct {
	Segments []SegmentInfo `yaml:"segments"`
}

func (m *manifest) active() *SegmentInfo {
	if len(m.Segments) == 0 {
		return nil
	}
	return &m.Segments[len(m.Segments)-1]
}

func loadManifest(dir string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}

func saveManifest(dir string, m manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, manifestName), data)
}

type anchorFile struct {
	Sequence  uint64 `yaml:"sequence"`
	EntryHash string `yaml:"entry_hash"`
}

// LoadAnchor reads an anchor written by a Logger. A missing file yields nil.
func LoadAnchor(path string) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading anchor: %w", err)
	}

	var af anchorFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("decoding anchor: %w", err)
	}
	h, err := ParseHash(af.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("decoding anchor: %w", err)
	}
	return &Anchor{Sequence: af.Sequence, EntryHash: h}, nil
}

func saveAnchor(path string, a Anchor) error {
	data, err := yaml.Marshal(anchorFile{Sequence: a.Sequence, EntryHash: a.EntryHash.String()})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readSegment(dir string, info SegmentInfo) ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, info.FileName()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: segment %d is missing", ErrChainBroken, info.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading segment %d: %w", info.ID, err)
	}
	entries, _, torn, err := decodeRecords(data)
	if err != nil {
		return entries, fmt.Errorf("segment %d: %w", info.ID, err)
	}
	if torn {
		return entries, fmt.Errorf("segment %d: %w: trailing partial record", info.ID, ErrCorrupt)
	}
	return entries, nil
}

// ReadLog reads every segment of the log in dir in order.
func ReadLog(dir string) ([]Entry, []SegmentInfo, error) {
	m, err := loadManifest(dir)
	if err != nil {
		return nil, nil, err
	}

	var all []Entry
	for _, seg := range m.Segments {
		entries, err := readSegment(dir, seg)
		all = append(all, entries...)
		if err != nil {
			return all, m.Segments, err
		}
	}
	return all, m.Segments, nil
}

// VerifyDir verifies the log stored in dir without opening it for writing.
// anchor may be nil.
func VerifyDir(dir string, anchor *Anchor) error {
	m, err := loadManifest(dir)
	if err != nil {
		return err
	}
	return verifySegments(dir, m.Segments, anchor)
}

// verifySegments checks the chain across all segments plus the seal record
// of every sealed segment.
func verifySegments(dir string, segments []SegmentInfo, anchor *Anchor) error {
	var all []Entry
	prev := GenesisHash

	for _, seg := range segments {
		genesis, err := ParseHash(seg.Genesis)
		if err != nil {
			return &ChainError{Index: len(all), Sequence: seg.FirstSequence, Reason: fmt.Sprintf("segment %d: bad genesis in manifest", seg.ID)}
		}
		if genesis != prev {
			return &ChainError{Index: len(all), Sequence: seg.FirstSequence, Reason: fmt.Sprintf("segment %d: genesis does not continue previous segment", seg.ID)}
		}

		entries, err := readSegment(dir, seg)
		if err != nil {
			return &ChainError{Index: len(all) + len(entries), Sequence: seg.FirstSequence + uint64(len(entries)), Reason: err.Error()}
		}

		if err := Verify(entries, VerifyOptions{Genesis: genesis, FirstSequence: seg.FirstSequence}); err != nil {
			var ce *ChainError
			if errors.As(err, &ce) {
				ce.Index += len(all)
				ce.Reason = fmt.Sprintf("segment %d: %s", seg.ID, ce.Reason)
			}
			return err
		}

		if seg.Sealed {
			if uint64(len(entries)) != seg.Entries {
				return &ChainError{Index: len(all) + len(entries), Sequence: seg.FirstSequence + uint64(len(entries)), Reason: fmt.Sprintf("segment %d: sealed with %d entries, holds %d", seg.ID, seg.Entries, len(entries))}
			}
			final := genesis
			if len(entries) > 0 {
				final = entries[len(entries)-1].EntryHash
			}
			if final.String() != seg.FinalHash {
				return &ChainError{Index: max(len(all)+len(entries)-1, 0), Sequence: seg.LastSequence, Reason: fmt.Sprintf("segment %d: final hash differs from seal", seg.ID)}
			}
		}

		if len(entries) > 0 {
			prev = entries[len(entries)-1].EntryHash
		}
		all = append(all, entries...)
	}

	if anchor != nil {
		return checkAnchor(all, 1, *anchor)
	}
	return nil
}
