package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// PairingNonceSize is the length in bytes of the pairing commitment nonce
// carried as code_commit in PAIR_REQ.
const PairingNonceSize = 20

const pairingCodeLabel = "proxishare/pair"

// GeneratePairingNonce returns a fresh random nonce for a pairing
// initiation. The nonce is the code_commit sent in PAIR_REQ; the code
// itself is never transmitted, only derived independently by both sides.
func GeneratePairingNonce() ([PairingNonceSize]byte, error) {
	var nonce [PairingNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate pairing nonce: %w", err)
	}
	return nonce, nil
}

// PairingCode derives the 6-digit confirmation code from a pairing nonce.
// Both the initiator (who generated the nonce) and the responder (who
// received it in PAIR_REQ) compute this independently.
func PairingCode(nonce []byte) string {
	mac := hmac.New(sha256.New, nonce)
	mac.Write([]byte(pairingCodeLabel))
	sum := mac.Sum(nil)

	value := binary.BigEndian.Uint32(sum[len(sum)-4:])
	code := value % 1_000_000
	return fmt.Sprintf("%06d", code)
}
