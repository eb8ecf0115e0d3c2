package chunker

import (
	"bytes"
	"io"
	"testing"
)

func TestFixedSplitterExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 30)
	s, err := NewFixedSplitter(bytes.NewReader(data), FixedConfig{Size: 10})
	if err != nil {
		t.Fatalf("NewFixedSplitter: %v", err)
	}
	chunks, err := Split(s)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Data) != 10 {
			t.Errorf("chunk size %d, want 10", len(c.Data))
		}
	}
}

func TestFixedSplitterPartialTrailingChunk(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 25)
	s, err := NewFixedSplitter(bytes.NewReader(data), FixedConfig{Size: 10})
	if err != nil {
		t.Fatalf("NewFixedSplitter: %v", err)
	}
	chunks, err := Split(s)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[2].Data) != 5 {
		t.Errorf("trailing chunk size %d, want 5", len(chunks[2].Data))
	}
}

func TestFixedSplitterEmptyInput(t *testing.T) {
	s, err := NewFixedSplitter(bytes.NewReader(nil), FixedConfig{Size: 10})
	if err != nil {
		t.Fatalf("NewFixedSplitter: %v", err)
	}
	_, err = s.Next()
	if err != io.EOF {
		t.Fatalf("expected io.EOF for empty input, got %v", err)
	}
}

func TestFixedSplitterRejectsNonPositiveSize(t *testing.T) {
	if _, err := NewFixedSplitter(bytes.NewReader(nil), FixedConfig{Size: 0}); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestFixedSplitterReassemblesOriginal(t *testing.T) {
	data := make([]byte, 1<<20+137)
	for i := range data {
		data[i] = byte(i)
	}
	s, err := NewFixedSplitter(bytes.NewReader(data), DefaultFixedConfig())
	if err != nil {
		t.Fatalf("NewFixedSplitter: %v", err)
	}
	chunks, err := Split(s)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	var got []byte
	for _, c := range chunks {
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestCDCSplitterDeterministic(t *testing.T) {
	pol, err := NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	cfg := CDCConfig{Pol: pol, MinSize: 256, MaxSize: 4096, AverageBits: 10}

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)

	newSplitter := func(r io.Reader) (Splitter, error) { return NewCDCSplitter(r, cfg) }

	chunksA, err := SplitBytes(data, newSplitter)
	if err != nil {
		t.Fatalf("SplitBytes (run A): %v", err)
	}
	chunksB, err := SplitBytes(data, newSplitter)
	if err != nil {
		t.Fatalf("SplitBytes (run B): %v", err)
	}

	if len(chunksA) != len(chunksB) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(chunksA), len(chunksB))
	}
	for i := range chunksA {
		if !bytes.Equal(chunksA[i].Data, chunksB[i].Data) {
			t.Fatalf("chunk %d differs between identical runs", i)
		}
	}
}

func TestCDCSplitterReassemblesOriginal(t *testing.T) {
	pol, err := NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	cfg := CDCConfig{Pol: pol, MinSize: 256, MaxSize: 4096, AverageBits: 10}

	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	chunks, err := SplitBytes(data, func(r io.Reader) (Splitter, error) { return NewCDCSplitter(r, cfg) })
	if err != nil {
		t.Fatalf("SplitBytes: %v", err)
	}

	var got []byte
	for _, c := range chunks {
		got = append(got, c.Data...)
		if len(c.Data) > int(cfg.MaxSize) {
			t.Errorf("chunk exceeds MaxSize: %d > %d", len(c.Data), cfg.MaxSize)
		}
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestCDCSplitterInsertionStability(t *testing.T) {
	// Content-defined chunking's key property (spec §4.3, §8 scenario 5):
	// inserting bytes near the start of a stream should only perturb the
	// chunks adjacent to the insertion point, not the entire tail.
	pol, err := NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	cfg := CDCConfig{Pol: pol, MinSize: 256, MaxSize: 4096, AverageBits: 10}
	newSplitter := func(r io.Reader) (Splitter, error) { return NewCDCSplitter(r, cfg) }

	base := bytes.Repeat([]byte("stable content payload for chunk boundary test "), 2000)
	modified := append([]byte("INSERTED PREFIX BYTES "), base...)

	chunksBase, err := SplitBytes(base, newSplitter)
	if err != nil {
		t.Fatalf("SplitBytes (base): %v", err)
	}
	chunksModified, err := SplitBytes(modified, newSplitter)
	if err != nil {
		t.Fatalf("SplitBytes (modified): %v", err)
	}

	baseSet := make(map[string]int, len(chunksBase))
	for _, c := range chunksBase {
		baseSet[string(c.Data)]++
	}
	shared := 0
	for _, c := range chunksModified {
		if baseSet[string(c.Data)] > 0 {
			shared++
			baseSet[string(c.Data)]--
		}
	}

	// At least some chunks beyond the perturbed boundary should still
	// match; a naive fixed splitter would share essentially none.
	if shared == 0 {
		t.Fatal("expected CDC splitter to preserve some chunk boundaries after prefix insertion")
	}
}

func TestCDCSplitterRejectsInvalidBounds(t *testing.T) {
	pol, err := NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	cfg := CDCConfig{Pol: pol, MinSize: 4096, MaxSize: 256, AverageBits: 10}
	if _, err := NewCDCSplitter(bytes.NewReader(nil), cfg); err == nil {
		t.Fatal("expected error for min >= max")
	}
}
