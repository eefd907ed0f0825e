package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// EnsureEd25519KeyPair loads a device's long-lived Ed25519 identity key
// from disk, minting a fresh one on first run. A public key file that
// has gone missing or drifted from the private key it should match
// (a partially completed write, a stale copy left by an old version)
// is regenerated from the private key rather than treated as an error,
// since the private key is what device identity actually derives from.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := loadPEMKey(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		publicKey := ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey)
		if storedPublic, pubErr := loadPEMKey(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize); pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := writePEMKey(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return ed25519.PrivateKey(privateKey), publicKey, nil

	case errors.Is(err, fs.ErrNotExist):
		publicKey, freshPrivate, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", genErr)
		}
		if err := writePEMKey(privatePath, ed25519PrivatePEMType, freshPrivate, 0o600); err != nil {
			return nil, nil, err
		}
		if err := writePEMKey(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
			return nil, nil, err
		}
		return freshPrivate, publicKey, nil

	default:
		return nil, nil, err
	}
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := loadPEMKey(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadEd25519PublicKey loads an Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := loadPEMKey(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// SaveEd25519PrivateKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	return writePEMKey(path, ed25519PrivatePEMType, key, 0o600)
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	return writePEMKey(path, ed25519PublicPEMType, key, 0o644)
}

// loadPEMKey reads a single PEM block from path and validates both its
// type tag and byte length before returning the raw key bytes, so a
// truncated write or a file from an unrelated PEM producer fails loudly
// instead of feeding a malformed key into ed25519.
func loadPEMKey(path, pemType string, wantSize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected block type %q", pemType, block.Type)
	}
	if len(block.Bytes) != wantSize {
		return nil, fmt.Errorf("decode %s: invalid key size %d", pemType, len(block.Bytes))
	}

	return block.Bytes, nil
}

func writePEMKey(path, pemType string, key []byte, perm fs.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}

// Fingerprint returns the raw 32-byte SHA-256 fingerprint of a public key,
// the exact form carried in PAIR_ACK/PAIR_FIN frames.
func Fingerprint(publicKey ed25519.PublicKey) [32]byte {
	return sha256.Sum256(publicKey)
}

// KeyFingerprint returns the hex-encoded SHA-256 fingerprint of a public
// key, used as the stable identifier stored in a TrustRecord and shown
// to a user confirming a pairing code.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := Fingerprint(publicKey)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint groups a hex fingerprint into 4-character, uppercase,
// space-separated blocks for display during pairing confirmation.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	groups := make([]string, 0, (len(clean)+3)/4)
	for i := 0; i < len(clean); i += 4 {
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		groups = append(groups, clean[i:end])
	}
	return strings.Join(groups, " ")
}
