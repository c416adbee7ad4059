// Package metacodec compresses session metadata blobs for storage.
// Metadata carries conversation context (question, response, transcript
// excerpt) that can run to tens of kilobytes, so blobs above a small
// threshold are stored zstd-compressed.
package metacodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm a stored blob was encoded with.
// Values are persisted in the metadata_compression column; do not renumber.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// compressThreshold is the blob size in bytes below which compression
// is skipped. Small JSON blobs grow under zstd framing.
const compressThreshold = 256

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("metacodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("metacodec: init zstd decoder: %v", err))
	}
}

// Encode returns the storage form of a metadata blob along with the
// Compression value to persist next to it. Blobs under the threshold
// are stored as-is.
func Encode(data []byte) ([]byte, Compression) {
	if len(data) < compressThreshold {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decode decompresses a stored blob according to its Compression value.
// Returns an error for unsupported values.
func Decode(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("metacodec: unsupported compression: %d", c)
	}
}
