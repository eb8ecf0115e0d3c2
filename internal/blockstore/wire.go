package blockstore

import (
	"encoding/binary"
	"fmt"

	"acidstore/internal/apierr"
	"acidstore/internal/format"
)

// FormatVersion is bumped whenever the on-backend block layout changes
// incompatibly. It is also folded into the AEAD associated data (spec
// §4.2), so a version bump invalidates old ciphertexts rather than
// silently misreading them.
const FormatVersion = 1

// blockFlagEncrypted marks a block whose payload was sealed with AEAD;
// when clear, the payload carries only the keyed-MAC integrity mode
// (spec §4.2).
const blockFlagEncrypted = 1 << 0

// blockEntry records one packed chunk's byte range within a sealed
// block's payload: the spec's payload_entries table, naming which
// chunk_ids live in this block and where, without requiring a
// decrypt+decompress pass to enumerate them. Offset/Length address the
// decrypted-but-still-compressed payload, matching dedup.Locator.
type blockEntry struct {
	chunkID [32]byte
	offset  uint32
	length  uint32
}

const blockEntrySize = 32 + 4 + 4

func encodeEntries(entries []blockEntry) []byte {
	buf := make([]byte, 4+len(entries)*blockEntrySize)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		copy(buf[off:off+32], e.chunkID[:])
		binary.LittleEndian.PutUint32(buf[off+32:off+36], e.offset)
		binary.LittleEndian.PutUint32(buf[off+36:off+40], e.length)
		off += blockEntrySize
	}
	return buf
}

func decodeEntries(data []byte) (entries []blockEntry, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, apierr.New("blockstore.decodeEntries", apierr.KindCorrupt, fmt.Errorf("entry count truncated"))
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	entries = make([]blockEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < blockEntrySize {
			return nil, nil, apierr.New("blockstore.decodeEntries", apierr.KindCorrupt, fmt.Errorf("entry table truncated"))
		}
		var e blockEntry
		copy(e.chunkID[:], data[:32])
		e.offset = binary.LittleEndian.Uint32(data[32:36])
		e.length = binary.LittleEndian.Uint32(data[36:40])
		entries = append(entries, e)
		data = data[blockEntrySize:]
	}
	return entries, data, nil
}

// encodeBlock serializes a block's on-backend representation:
//
//	header(4) | compression(1) | nonce-or-mac(N) | payload_entries | payload
//
// When encrypted, the 24-byte XChaCha20-Poly1305 nonce follows the
// compression byte and payload is the AEAD ciphertext (tag included).
// When not encrypted, a 32-byte BLAKE2b-256 MAC follows instead and
// payload is the (possibly compressed) bytes the MAC covers.
// payload_entries is count(u32) then count × {chunk_id(32), offset(u32),
// len(u32)} (spec §6), naming every chunk packed into payload.
func encodeBlock(compression Compression, encrypted bool, entries []blockEntry, nonceOrMAC, payload []byte) []byte {
	flags := byte(0)
	if encrypted {
		flags |= blockFlagEncrypted
	}
	hdr := format.Header{Type: format.TypeBlock, Version: FormatVersion, Flags: flags}
	entryBuf := encodeEntries(entries)

	out := make([]byte, 0, format.HeaderSize+1+len(nonceOrMAC)+len(entryBuf)+len(payload))
	var hdrBuf [format.HeaderSize]byte
	hdr.EncodeInto(hdrBuf[:])
	out = append(out, hdrBuf[:]...)
	out = append(out, byte(compression))
	out = append(out, nonceOrMAC...)
	out = append(out, entryBuf...)
	out = append(out, payload...)
	return out
}

type decodedBlock struct {
	compression Compression
	encrypted   bool
	nonceOrMAC  []byte
	entries     []blockEntry
	payload     []byte
}

func decodeBlock(data []byte, nonceSize, macSize int) (decodedBlock, error) {
	hdr, err := format.DecodeAndValidate(data, format.TypeBlock, FormatVersion)
	if err != nil {
		return decodedBlock{}, apierr.New("blockstore.decodeBlock", apierr.KindCorrupt, err)
	}
	rest := data[format.HeaderSize:]
	if len(rest) < 1 {
		return decodedBlock{}, apierr.New("blockstore.decodeBlock", apierr.KindCorrupt, nil)
	}
	compression := Compression(rest[0])
	rest = rest[1:]

	encrypted := hdr.Flags&blockFlagEncrypted != 0
	fieldSize := macSize
	if encrypted {
		fieldSize = nonceSize
	}
	if len(rest) < fieldSize {
		return decodedBlock{}, apierr.New("blockstore.decodeBlock", apierr.KindCorrupt, nil)
	}
	nonceOrMAC := rest[:fieldSize]
	rest = rest[fieldSize:]

	entries, rest, err := decodeEntries(rest)
	if err != nil {
		return decodedBlock{}, err
	}

	return decodedBlock{
		compression: compression,
		encrypted:   encrypted,
		nonceOrMAC:  nonceOrMAC,
		entries:     entries,
		payload:     rest,
	}, nil
}

// blockKeyPrefix namespaces block keys under "block/<hex block_id>"
// (spec §6), distinguishing them from the small set of reserved keys
// (super, super.staging, lock).
const blockKeyPrefix = "block/"

func blockIDToKey(id [16]byte) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(blockKeyPrefix)+32)
	n := copy(buf, blockKeyPrefix)
	for i, b := range id {
		buf[n+i*2] = hextable[b>>4]
		buf[n+i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

