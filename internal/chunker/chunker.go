// Package chunker splits object data into content-addressed chunks
// (spec §4.3). Two splitting modes are supported: a fixed-size splitter
// for repositories that favor throughput over dedup ratio across
// inserts/deletes, and a content-defined chunker (CDC) built on
// github.com/restic/chunker's rolling Rabin fingerprint, which keeps
// chunk boundaries stable across byte insertions elsewhere in the
// stream.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"

	"acidstore/internal/apierr"
)

// Chunk is a single content-addressed slice of an object's data stream,
// as produced by a Splitter.
type Chunk struct {
	Data []byte
	// Cut is set to true on every chunk either splitter returns.
	// CDCSplitter does not distinguish a chunk that ended at a rolling-hash
	// boundary from one cut at the max size or at the end of the input.
	Cut bool
}

// Splitter divides a byte stream into chunks. Implementations must be
// deterministic: the same input bytes, under the same configuration,
// always produce the same chunk boundaries — this is what lets
// identical content dedup regardless of which object it arrived through.
type Splitter interface {
	// Next returns the next chunk, or io.EOF once the stream is exhausted.
	Next() (Chunk, error)
}

// FixedConfig configures a fixed-size Splitter.
type FixedConfig struct {
	Size int
}

// DefaultFixedConfig returns the spec's default fixed chunk size (§4.3:
// 1 MiB).
func DefaultFixedConfig() FixedConfig {
	return FixedConfig{Size: 1 << 20}
}

type fixedSplitter struct {
	r    io.Reader
	size int
	buf  []byte
}

// NewFixedSplitter returns a Splitter that reads fixed-size chunks from r.
func NewFixedSplitter(r io.Reader, cfg FixedConfig) (Splitter, error) {
	if cfg.Size <= 0 {
		return nil, apierr.New("chunker.NewFixedSplitter", apierr.KindInvalidArgument, fmt.Errorf("chunk size must be positive, got %d", cfg.Size))
	}
	return &fixedSplitter{r: r, size: cfg.Size, buf: make([]byte, cfg.Size)}, nil
}

func (s *fixedSplitter) Next() (Chunk, error) {
	n, err := io.ReadFull(s.r, s.buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Chunk{}, io.EOF
		}
		return Chunk{}, apierr.New("fixedSplitter.Next", apierr.KindIO, err)
	}
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil && err != io.EOF {
		return Chunk{}, apierr.New("fixedSplitter.Next", apierr.KindIO, err)
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return Chunk{Data: out, Cut: true}, nil
}

// CDCConfig configures the content-defined Splitter. Pol must be a fixed
// irreducible polynomial chosen once per repository (see NewPolynomial)
// and persisted in the superblock so reopened repositories rechunk
// identically (spec §6 feature parameters).
type CDCConfig struct {
	Pol               resticchunker.Pol
	MinSize, MaxSize  uint
	AverageBits       int
}

// DefaultCDCConfig returns the spec's default CDC window (§4.3: 512 KiB
// min, 1 MiB average, 8 MiB max) paired with the given repository
// polynomial.
func DefaultCDCConfig(pol resticchunker.Pol) CDCConfig {
	return CDCConfig{
		Pol:         pol,
		MinSize:     512 << 10,
		MaxSize:     8 << 20,
		AverageBits: 20, // 2^20 = 1 MiB average chunk size
	}
}

// NewPolynomial derives a fresh irreducible polynomial for a new
// repository. Called once at repository creation; the result must be
// stored in the superblock and reused for the repository's lifetime.
func NewPolynomial() (resticchunker.Pol, error) {
	pol, err := resticchunker.RandomPolynomial()
	if err != nil {
		return 0, apierr.New("chunker.NewPolynomial", apierr.KindIO, err)
	}
	return pol, nil
}

type cdcSplitter struct {
	ch *resticchunker.Chunker
	// buf is reused across Next calls per restic/chunker's API contract:
	// the returned Chunk.Data aliases buf until the next call, so we copy
	// out before returning.
	buf []byte
}

// NewCDCSplitter returns a Splitter that reads content-defined chunks
// from r using cfg's polynomial and size bounds.
func NewCDCSplitter(r io.Reader, cfg CDCConfig) (Splitter, error) {
	if cfg.MinSize == 0 || cfg.MaxSize == 0 || cfg.MinSize >= cfg.MaxSize {
		return nil, apierr.New("chunker.NewCDCSplitter", apierr.KindInvalidArgument, fmt.Errorf("invalid min/max size: min=%d max=%d", cfg.MinSize, cfg.MaxSize))
	}
	ch := resticchunker.NewWithBoundaries(r, cfg.Pol, cfg.MinSize, cfg.MaxSize)
	ch.SetAverageBits(cfg.AverageBits)
	return &cdcSplitter{ch: ch, buf: make([]byte, cfg.MaxSize)}, nil
}

func (s *cdcSplitter) Next() (Chunk, error) {
	chunk, err := s.ch.Next(s.buf)
	if err == io.EOF {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, apierr.New("cdcSplitter.Next", apierr.KindIO, err)
	}
	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	return Chunk{Data: data, Cut: true}, nil
}

// Split drains a Splitter into a slice of chunks. Convenience helper for
// callers (tests, small objects) that don't need streaming behavior.
func Split(s Splitter) ([]Chunk, error) {
	var out []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

// SplitBytes is a convenience wrapper that builds a bytes.Reader and
// drains it with s.
func SplitBytes(data []byte, newSplitter func(io.Reader) (Splitter, error)) ([]Chunk, error) {
	s, err := newSplitter(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Split(s)
}
