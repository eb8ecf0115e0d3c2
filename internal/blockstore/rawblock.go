package blockstore

import "acidstore/internal/crypto"

// EncodeRawBlock seals arbitrary bytes (not chunk-addressed content —
// used by the transaction manager for index root blocks) the same way
// a data block is sealed, without compression or chunk-hash
// verification: the blob's integrity rests on the seal itself (AEAD tag
// or keyed MAC, checked when the block is decoded). The superblock's
// integrity tag covers only the index root block's id and length.
func EncodeRawBlock(key crypto.MasterKey, encrypted bool, blockID [16]byte, payload []byte) ([]byte, error) {
	var nonceOrMAC, sealed []byte
	var err error
	if encrypted {
		nonceOrMAC, sealed, err = crypto.SealBlock(key, blockID, FormatVersion, payload)
	} else {
		var mac [crypto.HashSize]byte
		mac, err = crypto.MAC(key, payload)
		nonceOrMAC, sealed = mac[:], payload
	}
	if err != nil {
		return nil, err
	}
	return encodeBlock(CompressionNone, encrypted, nil, nonceOrMAC, sealed), nil
}

// DecodeRawBlock is the inverse of EncodeRawBlock.
func DecodeRawBlock(key crypto.MasterKey, blockID [16]byte, data []byte) ([]byte, error) {
	decoded, err := decodeBlock(data, crypto.NonceSize, crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if decoded.encrypted {
		return crypto.OpenBlock(key, blockID, FormatVersion, decoded.nonceOrMAC, decoded.payload)
	}
	var mac [crypto.HashSize]byte
	copy(mac[:], decoded.nonceOrMAC)
	if err := crypto.VerifyMAC(key, decoded.payload, mac); err != nil {
		return nil, err
	}
	return decoded.payload, nil
}

// BlockIDToKey exposes the block_id→backend-key encoding for callers
// outside this package (the transaction manager, for the index root
// block and for crash-recovery reachability walks).
func BlockIDToKey(id [16]byte) string { return blockIDToKey(id) }

// BlockKeyPrefix exposes blockKeyPrefix for callers that need to
// recognize block keys among other reserved keys (the transaction
// manager's crash-recovery sweep).
const BlockKeyPrefix = blockKeyPrefix
