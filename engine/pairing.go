package engine

import (
	"context"
	"fmt"

	"proxishare/pairing"
)

// RequestPairing initiates pairing with deviceID. When addr is empty the
// handle resolves a reachable advertised address itself; port is
// required only when addr is given explicitly (bypassing discovery,
// e.g. a manually entered IP). It returns the 6-digit code to display
// locally and a channel that yields the terminal Result.
func (h *Handle) RequestPairing(ctx context.Context, deviceID, addr string, port int) (string, <-chan pairing.Result, error) {
	if addr == "" {
		resolvedAddr, resolvedPort, err := h.findReachableLocked(ctx, deviceID)
		if err != nil {
			return "", nil, fmt.Errorf("engine: resolve address for %s: %w", deviceID, err)
		}
		addr, port = resolvedAddr, resolvedPort
	}
	return h.pairing.RequestPairing(ctx, deviceID, addr, port)
}

// AcceptPairing resolves a pending inbound pairing request shown via the
// pairing-request event. accept must reflect whether the locally
// displayed code matched what the user was told out of band.
func (h *Handle) AcceptPairing(deviceID string, accept bool) error {
	return h.pairing.AcceptPairing(deviceID, accept)
}
