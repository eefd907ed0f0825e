package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"proxishare/identity"
	"proxishare/wire"
)

func newTestEndpoint(t *testing.T, deviceID string, onControl ControlHandler) *Endpoint {
	t.Helper()
	dir := t.TempDir()
	priv, pub, err := identity.EnsureEd25519KeyPair(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	if err != nil {
		t.Fatalf("EnsureEd25519KeyPair failed: %v", err)
	}
	cert, err := identity.EnsureCertificate(priv, pub, deviceID, filepath.Join(dir, "cert.pem"))
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}

	ep, err := Listen(Config{
		DeviceID:  deviceID,
		Cert:      cert,
		Port:      0,
		OnControl: onControl,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestDialAndControlStreamRoundTrip(t *testing.T) {
	received := make(chan wire.Frame, 1)
	server := newTestEndpoint(t, "server-device", func(conn *Conn, stream quic.Stream) {
		frame, err := wire.ReadFrame(stream)
		if err != nil {
			t.Errorf("server ReadFrame failed: %v", err)
			return
		}
		received <- frame
		_ = wire.WriteFrame(stream, wire.Frame{Tag: wire.TagPairAck, Payload: []byte{1}})
	})

	client := newTestEndpoint(t, "client-device", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, "127.0.0.1", server.Port(), "server-device")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if conn.DeviceID() != "server-device" {
		t.Fatalf("expected remote device id server-device, got %q", conn.DeviceID())
	}

	stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		t.Fatalf("OpenControlStream failed: %v", err)
	}

	if err := wire.WriteFrame(stream, wire.Frame{Tag: wire.TagPairReq, Payload: []byte("hello")}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	select {
	case frame := <-received:
		if string(frame.Payload) != "hello" {
			t.Fatalf("unexpected payload: %q", frame.Payload)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server to receive frame")
	}

	reply, err := wire.ReadFrame(stream)
	if err != nil {
		t.Fatalf("ReadFrame reply failed: %v", err)
	}
	if reply.Tag != wire.TagPairAck {
		t.Fatalf("expected PAIR_ACK reply, got tag %v", reply.Tag)
	}
}

func TestDialCoalescesConcurrentAttempts(t *testing.T) {
	server := newTestEndpoint(t, "server-device", func(conn *Conn, stream quic.Stream) {
		_, _ = wire.ReadFrame(stream)
	})
	client := newTestEndpoint(t, "client-device", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := client.Dial(ctx, "127.0.0.1", server.Port(), "server-device")
	if err != nil {
		t.Fatalf("first Dial failed: %v", err)
	}
	second, err := client.Dial(ctx, "127.0.0.1", server.Port(), "server-device")
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected coalesced connection reuse")
	}
}
