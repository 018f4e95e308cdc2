package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll, so one of each serves every file row.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

const compressionZstd = "zstd"

func compressBlob(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+16))
}

func decompressBlob(compressed []byte, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if int64(len(result)) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
