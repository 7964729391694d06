package chunkstore

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/i5heu/ouroboros-rag/pkg/audit"
)

// Metadata maps string keys to scalar values. Accepted values are strings,
// booleans, integers, floats and time.Time; integers are stored as int64,
// floats as float64 and times in UTC.
type Metadata map[string]any

func normalizeMetadata(in map[string]any) (Metadata, error) {
	out := make(Metadata, len(in))
	for k, v := range in {
		if k == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
		}
		out[k] = n
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// canonical renders every value with a type tag so that "1" and 1 differ.
func (m Metadata) canonical() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = "s:" + x
		case bool:
			out[k] = "b:" + strconv.FormatBool(x)
		case int64:
			out[k] = "i:" + strconv.FormatInt(x, 10)
		case float64:
			out[k] = "f:" + strconv.FormatFloat(x, 'g', -1, 64)
		case time.Time:
			out[k] = "t:" + x.Format(time.RFC3339Nano)
		default:
			out[k] = fmt.Sprintf("?:%v", x)
		}
	}
	return out
}

func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IngestDigest is the audit digest of an ingest: the id and the metadata,
// never the text.
func IngestDigest(id string, m Metadata) audit.Hash {
	return audit.DigestMap(m.canonical(), audit.EventIngest.String(), id)
}
