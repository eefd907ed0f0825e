// Package wire implements the tagged-frame protocol carried on every
// transport stream: a one-byte stream-kind prefix followed by a
// length-prefixed sequence of typed frames.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamKind identifies the purpose of a bidirectional QUIC stream.
type StreamKind byte

const (
	// StreamControl carries pairing and history-sync frames.
	StreamControl StreamKind = 0x01
	// StreamTransfer carries a single file transfer's frames.
	StreamTransfer StreamKind = 0x02
)

// Tag identifies a frame's payload shape.
type Tag byte

const (
	TagPairReq   Tag = 0x10
	TagPairAck   Tag = 0x11
	TagPairFin   Tag = 0x12
	TagOffer     Tag = 0x20
	TagAccept    Tag = 0x21
	TagReject    Tag = 0x22
	TagChunk     Tag = 0x23
	TagResumeAt  Tag = 0x24
	TagFin       Tag = 0x25
	TagDone      Tag = 0x26
	TagHistReq   Tag = 0x30
	TagHistPage  Tag = 0x31
)

// MaxFrameLength bounds a single frame's payload so a malformed length
// field cannot force an unbounded allocation.
const MaxFrameLength = 64 * 1024 * 1024

// Frame is one tagged, length-prefixed unit on a stream.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// WriteStreamKind writes the one-byte kind prefix that opens a stream.
func WriteStreamKind(w io.Writer, kind StreamKind) error {
	_, err := w.Write([]byte{byte(kind)})
	return err
}

// ReadStreamKind reads the one-byte kind prefix that opens a stream.
func ReadStreamKind(r io.Reader) (StreamKind, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read stream kind: %w", err)
	}
	return StreamKind(buf[0]), nil
}

// WriteFrame writes a tag, big-endian u32 length, and payload.
func WriteFrame(w io.Writer, frame Frame) error {
	header := make([]byte, 5)
	header[0] = byte(frame.Tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(frame.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(frame.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one tag/length/payload frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	tag := Tag(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}

	return Frame{Tag: tag, Payload: payload}, nil
}
