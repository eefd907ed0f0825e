package transport

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/quic-go/quic-go"

	"proxishare/wire"
)

// Conn is one logical connection to a remote device: at most one per
// (local, remote device_id) pair, per the transport's connection model.
type Conn struct {
	raw         quic.Connection
	deviceID    string
	fingerprint string
	cert        *x509.Certificate
}

// DeviceID returns the remote peer's device_id, taken from its
// certificate's common name.
func (c *Conn) DeviceID() string {
	return c.deviceID
}

// Fingerprint returns the remote peer's certificate fingerprint.
func (c *Conn) Fingerprint() string {
	return c.fingerprint
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close tears down the connection with the given application error code.
func (c *Conn) Close(code uint64, reason string) error {
	return c.raw.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// OpenControlStream opens a new bidirectional stream tagged as control.
func (c *Conn) OpenControlStream(ctx context.Context) (quic.Stream, error) {
	return c.openStream(ctx, wire.StreamControl)
}

// OpenTransferStream opens a new bidirectional stream tagged as transfer.
func (c *Conn) OpenTransferStream(ctx context.Context) (quic.Stream, error) {
	return c.openStream(ctx, wire.StreamTransfer)
}

func (c *Conn) openStream(ctx context.Context, kind wire.StreamKind) (quic.Stream, error) {
	stream, err := c.raw.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	if err := wire.WriteStreamKind(stream, kind); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}
