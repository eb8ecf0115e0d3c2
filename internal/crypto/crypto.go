// Package crypto implements the repository's cryptographic envelope
// (spec §4.2): AEAD block sealing, Argon2id-based key derivation, master
// key wrapping, and the keyed-MAC integrity mode used when encryption is
// disabled.
//
// The KDF choice and parameter defaults are carried over from the
// teacher's password-hashing package (internal/auth/password.go), which
// already used argon2.IDKey with OWASP-recommended parameters; this
// package applies the same primitive to master-key wrapping instead of
// login-password verification.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"acidstore/internal/apierr"
)

const (
	// KeySize is the size in bytes of the repository master key and the
	// Argon2id-derived wrap key.
	KeySize = chacha20poly1305.KeySize // 32

	// SaltSize is the size in bytes of the Argon2id salt stored in the
	// superblock.
	SaltSize = 16

	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSizeX // 24

	// TagSize is the Poly1305 authentication tag size.
	TagSize = 16

	// HashSize is the size in bytes of a BLAKE2b-256 digest, used both as
	// the chunk_id hash and (keyed) as the no-encryption integrity MAC.
	HashSize = blake2b.Size256 // 32
)

// Default Argon2id parameters, following OWASP recommendations — the same
// values the teacher's internal/auth/password.go uses for login password
// hashing (64 MiB memory, 3 iterations, 4 lanes).
const (
	DefaultArgonMemoryKiB = 64 * 1024
	DefaultArgonTime      = 3
	DefaultArgonThreads   = 4
)

// KDFParams are the Argon2id parameters persisted in the superblock
// wire format (spec §6: "kdf_params(m, t, p: u32 ×3)").
type KDFParams struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint32
	Salt      [SaltSize]byte
}

// DefaultKDFParams generates fresh KDF parameters with a random salt and
// the package defaults.
func DefaultKDFParams() (KDFParams, error) {
	var p KDFParams
	p.MemoryKiB = DefaultArgonMemoryKiB
	p.Time = DefaultArgonTime
	p.Threads = DefaultArgonThreads
	if _, err := rand.Read(p.Salt[:]); err != nil {
		return KDFParams{}, apierr.New("crypto.DefaultKDFParams", apierr.KindIO, err)
	}
	return p, nil
}

// DeriveWrapKey runs Argon2id over password with the given parameters,
// producing the key used to wrap/unwrap the repository master key.
func DeriveWrapKey(password string, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), p.Salt[:], p.Time, p.MemoryKiB, uint8(p.Threads), KeySize)
}

// MasterKey is the repository's random 256-bit data-encryption key.
type MasterKey [KeySize]byte

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() (MasterKey, error) {
	var k MasterKey
	if _, err := rand.Read(k[:]); err != nil {
		return MasterKey{}, apierr.New("crypto.GenerateMasterKey", apierr.KindIO, err)
	}
	return k, nil
}

// WrapMasterKey encrypts master under wrapKey with a fresh random nonce,
// returning nonce||ciphertext||tag.
func WrapMasterKey(wrapKey []byte, master MasterKey) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, apierr.New("crypto.WrapMasterKey", apierr.KindInvalidArgument, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apierr.New("crypto.WrapMasterKey", apierr.KindIO, err)
	}
	sealed := aead.Seal(nil, nonce, master[:], nil)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapMasterKey decrypts a blob produced by WrapMasterKey. A MAC
// failure (wrong password) is reported as apierr.ErrWrongPassword, never
// as a generic error, so callers can distinguish "wrong password" from
// "corrupt superblock".
func UnwrapMasterKey(wrapKey []byte, wrapped []byte) (MasterKey, error) {
	if len(wrapped) < NonceSize+TagSize {
		return MasterKey{}, apierr.New("crypto.UnwrapMasterKey", apierr.KindWrongPassword, fmt.Errorf("wrapped key too short"))
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return MasterKey{}, apierr.New("crypto.UnwrapMasterKey", apierr.KindInvalidArgument, err)
	}
	nonce, ciphertext := wrapped[:NonceSize], wrapped[NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return MasterKey{}, apierr.New("crypto.UnwrapMasterKey", apierr.KindWrongPassword, err)
	}
	var k MasterKey
	copy(k[:], plain)
	return k, nil
}

// HashChunk computes the content-addressed chunk_id = H(plaintext) (spec
// §3, invariant I1), using BLAKE2b-256.
func HashChunk(plaintext []byte) [HashSize]byte {
	return blake2b.Sum256(plaintext)
}

// SealBlock encrypts payload with XChaCha20-Poly1305 under the master
// key, with associated data block_id||format_version as spec §4.2/§6
// require. Returns a fresh random nonce and the ciphertext (which
// includes the appended Poly1305 tag).
func SealBlock(key MasterKey, blockID [16]byte, formatVersion uint32, payload []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, apierr.New("crypto.SealBlock", apierr.KindInvalidArgument, err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apierr.New("crypto.SealBlock", apierr.KindIO, err)
	}
	ad := associatedData(blockID, formatVersion)
	ciphertext = aead.Seal(nil, nonce, payload, ad)
	return nonce, ciphertext, nil
}

// OpenBlock decrypts and authenticates a payload sealed by SealBlock. A
// MAC failure is reported as apierr.ErrCorrupt per spec §7.
func OpenBlock(key MasterKey, blockID [16]byte, formatVersion uint32, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, apierr.New("crypto.OpenBlock", apierr.KindInvalidArgument, err)
	}
	ad := associatedData(blockID, formatVersion)
	plain, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, apierr.New("crypto.OpenBlock", apierr.KindCorrupt, err)
	}
	return plain, nil
}

func associatedData(blockID [16]byte, formatVersion uint32) []byte {
	ad := make([]byte, 16+4)
	copy(ad, blockID[:])
	binary.LittleEndian.PutUint32(ad[16:], formatVersion)
	return ad
}

// MAC computes the keyed BLAKE2b-256 integrity tag used in the
// no-encryption mode (spec §4.2): keyed by the master key over data.
func MAC(key MasterKey, data []byte) ([HashSize]byte, error) {
	h, err := blake2b.New256(key[:])
	if err != nil {
		return [HashSize]byte{}, apierr.New("crypto.MAC", apierr.KindInvalidArgument, err)
	}
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyMAC recomputes the MAC and compares it to expected in constant
// time, returning apierr.ErrCorrupt on mismatch.
func VerifyMAC(key MasterKey, data []byte, expected [HashSize]byte) error {
	got, err := MAC(key, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
		return apierr.New("crypto.VerifyMAC", apierr.KindCorrupt, fmt.Errorf("MAC mismatch"))
	}
	return nil
}

// GenerateBlockID returns a random 128-bit block identifier (spec §3:
// "Blocks are identified by a random 128-bit block_id").
func GenerateBlockID() ([16]byte, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return [16]byte{}, apierr.New("crypto.GenerateBlockID", apierr.KindIO, err)
	}
	return id, nil
}
