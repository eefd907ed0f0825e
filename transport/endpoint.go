// Package transport implements the QUIC-based peer endpoint: one UDP
// socket per device, at most one logical connection per remote
// device_id, and a stream-kind-tagged frame protocol on top.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"proxishare/identity"
	"proxishare/wire"
)

const (
	// IdleTimeout closes a connection that has carried no traffic for
	// this long.
	IdleTimeout = 120 * time.Second
	// HandshakeTimeout bounds the initial QUIC/TLS handshake.
	HandshakeTimeout = 10 * time.Second
	// ALPN is the application protocol negotiated inside TLS.
	ALPN = "proxishare"
)

// ControlHandler is invoked once per accepted control stream.
type ControlHandler func(conn *Conn, stream quic.Stream)

// TransferHandler is invoked once per accepted transfer stream.
type TransferHandler func(conn *Conn, stream quic.Stream)

// TrustVerifier looks up the fingerprint recorded for a paired device's
// device_id. ok is false when the device has never completed pairing,
// which is exactly the state a legitimate pairing attempt arrives in.
type TrustVerifier func(deviceID string) (fingerprint string, ok bool)

// Endpoint owns the single UDP socket used for both listening and
// dialing, per spec's one-QUIC-endpoint-per-device model.
type Endpoint struct {
	deviceID string
	cert     tls.Certificate
	verifier TrustVerifier
	listener *quic.Listener

	onControl  ControlHandler
	onTransfer TransferHandler

	mu    sync.Mutex
	conns map[string]*Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a new Endpoint.
type Config struct {
	DeviceID   string
	Cert       tls.Certificate
	Port       int
	OnControl  ControlHandler
	OnTransfer TransferHandler
	// TrustVerifier, when set, is consulted during every TLS handshake
	// (inbound and outbound) to pin an already-paired device_id to its
	// recorded fingerprint. A nil TrustVerifier disables pinning, which
	// is only appropriate for tests that never exercise trust.
	TrustVerifier TrustVerifier
}

// Listen binds the QUIC endpoint and starts accepting inbound connections.
func Listen(cfg Config) (*Endpoint, error) {
	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{cfg.Cert},
		NextProtos:            []string{ALPN},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyAgainstTrust(cfg.TrustVerifier, ""),
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       IdleTimeout,
		HandshakeIdleTimeout: HandshakeTimeout,
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		deviceID:   cfg.DeviceID,
		cert:       cfg.Cert,
		verifier:   cfg.TrustVerifier,
		listener:   listener,
		onControl:  cfg.OnControl,
		onTransfer: cfg.OnTransfer,
		conns:      make(map[string]*Conn),
		ctx:        ctx,
		cancel:     cancel,
	}

	ep.wg.Add(1)
	go ep.acceptLoop()

	return ep, nil
}

// Certificate returns the local device's own TLS certificate, the same
// one presented on every Dial. Callers that need to authenticate as this
// device outside the normal Dial/Listen paths (probe reachability checks
// against a peer requiring client auth) use this to build their own
// tls.Config.
func (e *Endpoint) Certificate() tls.Certificate {
	return e.cert
}

// Port returns the bound UDP port, resolved even when 0 was requested.
func (e *Endpoint) Port() int {
	addr, ok := e.listener.Addr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Close stops accepting connections and tears down all active ones.
func (e *Endpoint) Close() error {
	e.cancel()
	err := e.listener.Close()
	e.wg.Wait()

	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[string]*Conn)
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.raw.CloseWithError(0, "endpoint closing")
	}
	return err
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		raw, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			log.Printf("[transport] accept error: %v", err)
			continue
		}

		conn, err := e.wrapConn(raw)
		if err != nil {
			log.Printf("[transport] inbound handshake rejected: %v", err)
			_ = raw.CloseWithError(1, "handshake rejected")
			continue
		}

		e.registerInbound(conn)
		e.wg.Add(1)
		go e.serveConn(conn)
	}
}

// wrapConn extracts the remote device_id and certificate fingerprint
// from the negotiated TLS session. Fingerprint pinning against an
// existing TrustRecord already happened during the handshake itself
// (verifyAgainstTrust); a session reaching this point with no trust
// record at all is still unauthenticated, and it remains the caller's
// job (pairing, transfer dispatch) to consult the Store before treating
// such a stream as more than a pairing candidate.
func (e *Endpoint) wrapConn(raw quic.Connection) (*Conn, error) {
	state := raw.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("transport: peer presented no certificate")
	}
	peerCert := state.PeerCertificates[0]

	deviceID := peerCert.Subject.CommonName
	if deviceID == "" {
		return nil, fmt.Errorf("transport: peer certificate missing device id")
	}

	fingerprint, err := identity.FingerprintFromCertificate(peerCert)
	if err != nil {
		return nil, fmt.Errorf("transport: fingerprint peer certificate: %w", err)
	}

	return &Conn{
		raw:         raw,
		deviceID:    deviceID,
		fingerprint: fingerprint,
		cert:        peerCert,
	}, nil
}

// registerInbound installs conn, replacing any prior connection to the
// same device_id per the duplicate-inbound-replaces-prior rule.
func (e *Endpoint) registerInbound(conn *Conn) {
	e.mu.Lock()
	prior := e.conns[conn.deviceID]
	e.conns[conn.deviceID] = conn
	e.mu.Unlock()

	if prior != nil {
		_ = prior.raw.CloseWithError(0, "replaced by newer connection")
	}
}

func (e *Endpoint) serveConn(conn *Conn) {
	defer e.wg.Done()
	defer e.deregister(conn)

	for {
		stream, err := conn.raw.AcceptStream(e.ctx)
		if err != nil {
			return
		}
		e.wg.Add(1)
		go e.serveStream(conn, stream)
	}
}

func (e *Endpoint) serveStream(conn *Conn, stream quic.Stream) {
	defer e.wg.Done()

	kind, err := wire.ReadStreamKind(stream)
	if err != nil {
		log.Printf("[transport] stream from %s: %v", conn.deviceID, err)
		_ = stream.Close()
		return
	}

	switch kind {
	case wire.StreamControl:
		if e.onControl != nil {
			e.onControl(conn, stream)
		}
	case wire.StreamTransfer:
		if e.onTransfer != nil {
			e.onTransfer(conn, stream)
		}
	default:
		log.Printf("[transport] unknown stream kind %d from %s", kind, conn.deviceID)
		_ = stream.Close()
	}
}

func (e *Endpoint) deregister(conn *Conn) {
	e.mu.Lock()
	if e.conns[conn.deviceID] == conn {
		delete(e.conns, conn.deviceID)
	}
	e.mu.Unlock()
}

// Dial establishes (or reuses) a logical connection to a remote,
// already-paired device. If a TrustVerifier is configured and holds a
// fingerprint for expectDeviceID, the TLS handshake itself rejects a
// peer whose certificate does not match it. Concurrent dials to the
// same device_id are coalesced onto one in-flight attempt.
func (e *Endpoint) Dial(ctx context.Context, addr string, port int, expectDeviceID string) (*Conn, error) {
	return e.dial(ctx, addr, port, expectDeviceID, e.verifier)
}

// DialForPairing establishes a connection without fingerprint pinning.
// It exists only for the initiator side of a pairing attempt, where by
// definition no trust record for the peer exists yet; every other
// caller must use Dial.
func (e *Endpoint) DialForPairing(ctx context.Context, addr string, port int, expectDeviceID string) (*Conn, error) {
	return e.dial(ctx, addr, port, expectDeviceID, nil)
}

func (e *Endpoint) dial(ctx context.Context, addr string, port int, expectDeviceID string, verifier TrustVerifier) (*Conn, error) {
	e.mu.Lock()
	if existing, ok := e.conns[expectDeviceID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{e.cert},
		NextProtos:            []string{ALPN},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyAgainstTrust(verifier, expectDeviceID),
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       IdleTimeout,
		HandshakeIdleTimeout: HandshakeTimeout,
	}

	target := net.JoinHostPort(addr, strconv.Itoa(port))
	raw, err := quic.DialAddr(ctx, target, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target, err)
	}

	conn, err := e.wrapConn(raw)
	if err != nil {
		_ = raw.CloseWithError(1, "handshake rejected")
		return nil, err
	}
	if expectDeviceID != "" && conn.deviceID != expectDeviceID {
		_ = raw.CloseWithError(1, "device id mismatch")
		return nil, fmt.Errorf("transport: dialed %s but peer identified as %s", expectDeviceID, conn.deviceID)
	}

	e.mu.Lock()
	if existing, ok := e.conns[conn.deviceID]; ok {
		e.mu.Unlock()
		_ = raw.CloseWithError(0, "coalesced with existing connection")
		return existing, nil
	}
	e.conns[conn.deviceID] = conn
	e.mu.Unlock()

	e.wg.Add(1)
	go e.serveConn(conn)

	return conn, nil
}

// verifyAgainstTrust builds a tls.Config.VerifyPeerCertificate callback
// enforcing certificate verification against the expected peer's
// fingerprint recorded in its TrustRecord, with pairing's documented
// exception: a device_id with no TrustRecord yet (verifier returns
// ok=false) is let through, since that is exactly the state a
// legitimate pairing attempt arrives in. expectDeviceID, when set,
// additionally pins the presented certificate's CommonName to the
// device the caller dialed.
func verifyAgainstTrust(verifier TrustVerifier, expectDeviceID string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("transport: peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("transport: parse peer certificate: %w", err)
		}

		deviceID := cert.Subject.CommonName
		if expectDeviceID != "" && deviceID != expectDeviceID {
			return fmt.Errorf("transport: dialed %s but peer identified as %s", expectDeviceID, deviceID)
		}
		if verifier == nil {
			return nil
		}

		trustedFingerprint, ok := verifier(deviceID)
		if !ok {
			return nil
		}

		fingerprint, err := identity.FingerprintFromCertificate(cert)
		if err != nil {
			return fmt.Errorf("transport: fingerprint peer certificate: %w", err)
		}
		if fingerprint != trustedFingerprint {
			return fmt.Errorf("transport: fingerprint mismatch for %s", deviceID)
		}
		return nil
	}
}
