package audit

import (
	"crypto/sha512"
	"encoding/binary"
	"sort"
)

// Digest hashes an ordered list of non-sensitive fields. Every field is
// length prefixed so ("ab","c") and ("a","bc") produce different digests.
func Digest(fields ...string) Hash {
	h := sha512.New()
	length := make([]byte, 4)
	for _, f := range fields {
		binary.LittleEndian.PutUint32(length, uint32(len(f)))
		h.Write(length)
		h.Write([]byte(f))
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DigestMap hashes a prefix list followed by the key/value pairs of m in
// sorted key order.
func DigestMap(m map[string]string, prefix ...string) Hash {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(prefix)+2*len(keys))
	fields = append(fields, prefix...)
	for _, k := range keys {
		fields = append(fields, k, m[k])
	}
	return Digest(fields...)
}
