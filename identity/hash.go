package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// RollingHash incrementally hashes a byte stream with SHA-256, used to
// verify transfer integrity granule-by-granule as chunks arrive rather
// than re-reading the destination file at the end.
type RollingHash struct {
	h hash.Hash
}

// NewRollingHash returns a fresh incremental SHA-256 hasher.
func NewRollingHash() *RollingHash {
	return &RollingHash{h: sha256.New()}
}

// Write feeds bytes into the running hash.
func (r *RollingHash) Write(p []byte) (int, error) {
	return r.h.Write(p)
}

// Sum returns the current 32-byte digest.
func (r *RollingHash) Sum() [32]byte {
	var out [32]byte
	copy(out[:], r.h.Sum(nil))
	return out
}

// SumHex returns the current digest hex-encoded.
func (r *RollingHash) SumHex() string {
	sum := r.Sum()
	return hex.EncodeToString(sum[:])
}

// FileSHA256 computes the SHA-256 digest of a file on disk, streaming
// through io.Copy rather than reading the whole file into memory.
func FileSHA256(path string) ([32]byte, error) {
	var out [32]byte

	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, fmt.Errorf("hash file: %w", err)
	}

	copy(out[:], h.Sum(nil))
	return out, nil
}

// FileSHA256Hex is FileSHA256 with a hex-encoded result.
func FileSHA256Hex(path string) (string, error) {
	sum, err := FileSHA256(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}
