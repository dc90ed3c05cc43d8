// Package compressx implements the compression codec for save payloads:
// gzip with a raw passthrough whenever gzip does not actually shrink the
// input, so tiny or incompressible payloads are stored as-is.
package compressx

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/avolkoff/savesync/internal/common"
)

const (
	AlgorithmGzip = "gzip"
	AlgorithmNone = "none"
)

// Info describes how a blob was encoded. It is persisted next to the blob
// and is required to decode it.
type Info struct {
	Algorithm      string `json:"algorithm"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
}

// Compress encodes plaintext, preferring gzip. If the gzipped form is not
// strictly smaller than the input, the raw bytes are kept and the info
// records algorithm "none". Deterministic for identical input.
func Compress(plaintext []byte) ([]byte, Info, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, Info{}, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, Info{}, fmt.Errorf("gzip close: %w", err)
	}

	info := Info{
		Algorithm:      AlgorithmGzip,
		OriginalSize:   len(plaintext),
		CompressedSize: buf.Len(),
	}

	if buf.Len() >= len(plaintext) {
		raw := append([]byte(nil), plaintext...)
		info.Algorithm = AlgorithmNone
		info.CompressedSize = len(raw)
		return raw, info, nil
	}

	return buf.Bytes(), info, nil
}

// Decompress decodes encoded bytes according to info.Algorithm. An unknown
// algorithm fails with common.ErrUnsupportedCodec.
func Decompress(encoded []byte, info Info) ([]byte, error) {
	switch info.Algorithm {
	case AlgorithmNone:
		return append([]byte(nil), encoded...), nil
	case AlgorithmGzip:
		zr, err := gzip.NewReader(bytes.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()

		plaintext, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedCodec, info.Algorithm)
	}
}
