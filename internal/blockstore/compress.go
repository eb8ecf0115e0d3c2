package blockstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"acidstore/internal/apierr"
)

// Compression names the algorithm applied to a chunk's plaintext before
// encryption (spec §4.4 step 3).
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionBrotli
)

// zstdDecoder is process-wide and concurrency-safe, mirroring the
// teacher's package-level zstdDec in internal/chunk/file/compress.go.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blockstore: init zstd decoder: " + err.Error())
	}
}

func compress(algo Compression, data []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, apierr.New("blockstore.compress", apierr.KindIO, err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, apierr.New("blockstore.compress", apierr.KindIO, err)
		}
		if err := w.Close(); err != nil {
			return nil, apierr.New("blockstore.compress", apierr.KindIO, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, apierr.New("blockstore.compress", apierr.KindInvalidArgument, fmt.Errorf("unknown compression algorithm %d", algo))
	}
}

func decompress(algo Compression, data []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, apierr.New("blockstore.decompress", apierr.KindCorrupt, err)
		}
		return out, nil
	case CompressionBrotli:
		r := brotli.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, apierr.New("blockstore.decompress", apierr.KindCorrupt, err)
		}
		return out, nil
	default:
		return nil, apierr.New("blockstore.decompress", apierr.KindInvalidArgument, fmt.Errorf("unknown compression algorithm %d", algo))
	}
}
