package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a compression algorithm for memory values. The name is
// persisted with each entry so retrieval knows how to decode it.
type Codec string

const (
	CodecNone Codec = "none"
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"
)

// ErrIncompressible is returned when the encoded form would not be smaller.
var ErrIncompressible = errors.New("cache: value is incompressible")

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecNone, CodecLZ4, CodecZstd:
		return Codec(name), nil
	case "":
		return CodecNone, nil
	}
	return "", fmt.Errorf("unknown codec %q", name)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder: " + err.Error())
	}
}

// Compress encodes data. CodecNone returns data unchanged; the other codecs
// return ErrIncompressible when the output is not strictly smaller.
func Compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, ErrIncompressible
		}
		return dst[:n], nil
	case CodecZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, ErrIncompressible
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported codec %q", codec)
}

// Decompress reverses Compress. originalSize must be the length of the
// uncompressed input; lz4 blocks do not record it themselves.
func Decompress(codec Codec, data []byte, originalSize int) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecLZ4:
		dst := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != originalSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, originalSize)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if originalSize > 0 && len(out) != originalSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), originalSize)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported codec %q", codec)
}
