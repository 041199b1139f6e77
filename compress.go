package goldboot

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

func zstdLevel(level CompressionLevel) zstd.EncoderLevel {
	switch level {
	case CompressionFastest:
		return zstd.SpeedFastest
	case CompressionBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// compressBlock compresses data with zstd at the given level. The reference
// encoder uses level 0 (library default), which this mirrors via
// zstd.SpeedDefault.
func compressBlock(data []byte, level CompressionLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// decompressBlock reverses compressBlock. blockSize is the expected
// decompressed length and is used as a hint and an upper bound check.
func decompressBlock(data []byte, blockSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, make([]byte, 0, blockSize))
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to decompress cluster: %w", err)
	}
	if len(out) > blockSize {
		return nil, fmt.Errorf("goldboot: decompressed cluster is %d bytes, want at most %d", len(out), blockSize)
	}
	return out, nil
}
