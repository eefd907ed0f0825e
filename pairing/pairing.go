// Package pairing drives the mutual-trust handshake between two
// devices over the transport's control stream, using a 6-digit
// out-of-band confirmation code.
package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"proxishare/events"
	"proxishare/identity"
	"proxishare/models"
	"proxishare/store"
	"proxishare/transport"
	"proxishare/wire"
)

// Timeout bounds how long a pairing attempt may remain unresolved.
const Timeout = 120 * time.Second

// Result is the terminal outcome of a pairing attempt.
type Result struct {
	Paired      bool
	Fingerprint string
	Reason      string
}

type pendingResponder struct {
	deviceID string
	code     string
	decision chan bool
}

// Manager runs both sides of the pairing handshake.
type Manager struct {
	selfDeviceID string
	selfName     string
	privateKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey

	store     *store.Store
	transport *transport.Endpoint
	hub       *events.Hub

	mu      sync.Mutex
	pending map[string]*pendingResponder
}

// NewManager creates a pairing manager bound to the local identity,
// store, transport, and event hub.
func NewManager(selfDeviceID, selfName string, privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, st *store.Store, ep *transport.Endpoint, hub *events.Hub) *Manager {
	return &Manager{
		selfDeviceID: selfDeviceID,
		selfName:     selfName,
		privateKey:   privateKey,
		publicKey:    publicKey,
		store:        st,
		transport:    ep,
		hub:          hub,
		pending:      make(map[string]*pendingResponder),
	}
}

// SetTransport binds the endpoint the manager dials through. Callers
// that need the endpoint's OnControl handler to close over the manager
// before the endpoint exists construct the manager first with a nil
// endpoint, call transport.Listen, then bind it here.
func (m *Manager) SetTransport(ep *transport.Endpoint) {
	m.transport = ep
}

// RequestPairing is the initiator flow. It returns the code shown to
// the local user once the request has been sent; the returned channel
// yields the terminal Result.
func (m *Manager) RequestPairing(ctx context.Context, deviceID, addr string, port int) (code string, resultCh <-chan Result, err error) {
	nonce, err := identity.GeneratePairingNonce()
	if err != nil {
		return "", nil, fmt.Errorf("pairing: generate nonce: %w", err)
	}
	code = identity.PairingCode(nonce[:])

	conn, err := m.transport.DialForPairing(ctx, addr, port, deviceID)
	if err != nil {
		return "", nil, fmt.Errorf("pairing: dial %s: %w", deviceID, err)
	}

	ch := make(chan Result, 1)
	go m.runInitiator(conn, nonce, ch)

	return code, ch, nil
}

func (m *Manager) runInitiator(conn *transport.Conn, nonce [20]byte, resultCh chan<- Result) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("open control stream: %v", err)}
		return
	}
	defer stream.Close()

	reqFrame, err := wire.PairReq{DeviceID: m.selfDeviceID, Name: m.selfName, Nonce: nonce}.Encode()
	if err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("encode PAIR_REQ: %v", err)}
		return
	}
	if err := wire.WriteFrame(stream, reqFrame); err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("send PAIR_REQ: %v", err)}
		return
	}

	frame, err := wire.ReadFrame(stream)
	if err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("await PAIR_ACK: %v", err)}
		return
	}
	if frame.Tag != wire.TagPairAck {
		resultCh <- Result{Reason: "protocol violation: expected PAIR_ACK"}
		return
	}
	ack, err := wire.DecodePairAck(frame.Payload)
	if err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("decode PAIR_ACK: %v", err)}
		return
	}
	if !ack.Accept {
		resultCh <- Result{Reason: "declined by responder"}
		return
	}

	myFingerprint := identity.Fingerprint(m.publicKey)
	finFrame := wire.PairFin{Fingerprint: myFingerprint}.Encode()
	if err := wire.WriteFrame(stream, finFrame); err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("send PAIR_FIN: %v", err)}
		return
	}

	responderFingerprint := hexEncode(ack.Fingerprint)
	if err := m.store.PutTrust(store.TrustRecord{
		DeviceID:                 conn.DeviceID(),
		PeerPublicKeyFingerprint: responderFingerprint,
		PairedAt:                 nowUnix(),
	}); err != nil {
		resultCh <- Result{Reason: fmt.Sprintf("persist trust record: %v", err)}
		return
	}

	m.hub.Publish(events.DeviceUpdated, models.DeviceInfo{DeviceID: conn.DeviceID(), Trusted: true})
	resultCh <- Result{Paired: true, Fingerprint: responderFingerprint}
}

// HandleControlStream is registered as the transport's control-stream
// handler. Pairing requests are the only frame type expected on a
// stream from a not-yet-trusted device; anything else is a protocol
// violation and the stream is closed.
func (m *Manager) HandleControlStream(conn *transport.Conn, stream quic.Stream, onOther func(conn *transport.Conn, stream quic.Stream, first wire.Frame)) {
	frame, err := wire.ReadFrame(stream)
	if err != nil {
		log.Printf("[pairing] read first control frame from %s: %v", conn.DeviceID(), err)
		_ = stream.Close()
		return
	}

	if frame.Tag != wire.TagPairReq {
		if onOther != nil {
			onOther(conn, stream, frame)
			return
		}
		_ = stream.Close()
		return
	}

	m.handleInboundRequest(conn, stream, frame)
}

func (m *Manager) handleInboundRequest(conn *transport.Conn, stream quic.Stream, frame wire.Frame) {
	defer stream.Close()

	req, err := wire.DecodePairReq(frame.Payload)
	if err != nil {
		log.Printf("[pairing] decode PAIR_REQ from %s: %v", conn.DeviceID(), err)
		return
	}

	code := identity.PairingCode(req.Nonce[:])
	decision := make(chan bool, 1)

	m.mu.Lock()
	m.pending[req.DeviceID] = &pendingResponder{deviceID: req.DeviceID, code: code, decision: decision}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.DeviceID)
		m.mu.Unlock()
	}()

	host, port := splitHostPort(conn.RemoteAddr())
	m.hub.Publish(events.PairingRequest, models.PairingRequestInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.Name,
		Code:       code,
		Addr:       host,
		Port:       port,
	})

	var accepted bool
	select {
	case accepted = <-decision:
	case <-time.After(Timeout):
		accepted = false
	}

	if !accepted {
		_ = wire.WriteFrame(stream, wire.PairAck{Accept: false}.Encode())
		return
	}

	myFingerprint := identity.Fingerprint(m.publicKey)
	ackFrame := wire.PairAck{Accept: true, Fingerprint: myFingerprint}.Encode()
	if err := wire.WriteFrame(stream, ackFrame); err != nil {
		log.Printf("[pairing] send PAIR_ACK to %s: %v", req.DeviceID, err)
		return
	}

	finReadFrame, err := wire.ReadFrame(stream)
	if err != nil || finReadFrame.Tag != wire.TagPairFin {
		log.Printf("[pairing] await PAIR_FIN from %s: %v", req.DeviceID, err)
		return
	}
	fin, err := wire.DecodePairFin(finReadFrame.Payload)
	if err != nil {
		log.Printf("[pairing] decode PAIR_FIN from %s: %v", req.DeviceID, err)
		return
	}

	initiatorFingerprint := hexEncode(fin.Fingerprint)
	if initiatorFingerprint != conn.Fingerprint() {
		log.Printf("[pairing] PAIR_FIN fingerprint mismatch from %s", req.DeviceID)
		return
	}

	if err := m.store.PutTrust(store.TrustRecord{
		DeviceID:                 req.DeviceID,
		PeerPublicKeyFingerprint: initiatorFingerprint,
		PairedAt:                 nowUnix(),
	}); err != nil {
		log.Printf("[pairing] persist trust record for %s: %v", req.DeviceID, err)
		return
	}

	m.hub.Publish(events.DeviceUpdated, models.DeviceInfo{DeviceID: req.DeviceID, DeviceName: req.Name, Trusted: true})
}

// AcceptPairing resolves a pending inbound pairing request. accept
// should be true only if the user-entered code matched what was shown.
func (m *Manager) AcceptPairing(deviceID string, accept bool) error {
	m.mu.Lock()
	pending, ok := m.pending[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pairing: no pending request from %s", deviceID)
	}

	select {
	case pending.decision <- accept:
		return nil
	default:
		return fmt.Errorf("pairing: request from %s already resolved", deviceID)
	}
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

func hexEncode(fp [32]byte) string {
	return hex.EncodeToString(fp[:])
}
