package encryption

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz/lzma"
)

// codec markers sealed as the first byte of every payload
const (
	codecRaw  byte = 0x00
	codecLzma byte = 0x01
)

func encodePayload(plaintext []byte, compress bool) ([]byte, error) {
	if !compress {
		out := make([]byte, 0, len(plaintext)+1)
		out = append(out, codecRaw)
		return append(out, plaintext...), nil
	}

	compressed, err := compressWithLzma(plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, codecLzma)
	return append(out, compressed...), nil
}

func decodePayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch payload[0] {
	case codecRaw:
		return payload[1:], nil
	case codecLzma:
		return decompressWithLzma(payload[1:])
	default:
		return nil, fmt.Errorf("unknown codec 0x%02x", payload[0])
	}
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
