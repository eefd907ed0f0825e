package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// buffer is a small append-only byte builder used by frame encoders.
type buffer struct {
	buf []byte
}

func (b *buffer) writeBytes(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *buffer) writeUint8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *buffer) writeUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *buffer) writeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *buffer) writeUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *buffer) writeString8(s string) {
	b.writeUint8(uint8(len(s)))
	b.writeBytes([]byte(s))
}

func (b *buffer) writeString16(s string) {
	b.writeUint16(uint16(len(s)))
	b.writeBytes([]byte(s))
}

func (b *buffer) writeUUID(id string) error {
	raw, err := uuidBytes(id)
	if err != nil {
		return err
	}
	b.writeBytes(raw[:])
	return nil
}

// cursor is a read-only view over a frame payload consumed left to right.
type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, fmt.Errorf("wire: short read, need %d bytes, have %d", n, c.remaining())
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) readUint8() (uint8, error) {
	b, err := c.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) readUint16() (uint16, error) {
	b, err := c.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) readUint32() (uint32, error) {
	b, err := c.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) readUint64() (uint64, error) {
	b, err := c.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *cursor) readString8() (string, error) {
	n, err := c.readUint8()
	if err != nil {
		return "", err
	}
	b, err := c.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) readString16() (string, error) {
	n, err := c.readUint16()
	if err != nil {
		return "", err
	}
	b, err := c.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) readUUID() (string, error) {
	raw, err := c.readBytes(16)
	if err != nil {
		return "", err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("wire: decode id: %w", err)
	}
	return id.String(), nil
}

func uuidBytes(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("wire: encode id %q: %w", id, err)
	}
	return [16]byte(parsed), nil
}
