// Package probe provides cheap connectivity checks used ahead of
// pairing or transfer dispatch, independent of any trust or transfer
// state.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultTimeout bounds a single reachability attempt.
const DefaultTimeout = 750 * time.Millisecond

// TestReachable attempts a short-timeout QUIC handshake against addr:port
// and reports whether the peer accepted the initial packet within the
// timeout. It never allocates an ActiveTransfer or touches trust state;
// the handshake connection is torn down immediately regardless of outcome.
// cert is presented as the client certificate: every real ProxiShare
// listener requires one (tls.RequireAnyClientCert), so a probe dialing
// without one would always fail the handshake against a live peer.
func TestReachable(ctx context.Context, addr string, port int, timeout time.Duration, cert tls.Certificate) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"proxishare"},
	}
	quicConf := &quic.Config{HandshakeIdleTimeout: timeout}

	target := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
	conn, err := quic.DialAddr(probeCtx, target, tlsConf, quicConf)
	if err != nil {
		return false
	}
	_ = conn.CloseWithError(0, "probe complete")
	return true
}

// FindReachable iterates addresses in advertisement order and returns
// the first that answers within timeout, or "" if none do.
func FindReachable(ctx context.Context, addresses []string, port int, timeout time.Duration, cert tls.Certificate) string {
	for _, addr := range addresses {
		if TestReachable(ctx, addr, port, timeout, cert) {
			return addr
		}
	}
	return ""
}
