package wire

import "fmt"

// PairReq is the initiator's opening pairing frame.
type PairReq struct {
	DeviceID string
	Name     string
	Nonce    [20]byte
}

// Encode serializes a PAIR_REQ frame.
func (p PairReq) Encode() (Frame, error) {
	var b buffer
	if err := b.writeUUID(p.DeviceID); err != nil {
		return Frame{}, err
	}
	b.writeString8(p.Name)
	b.writeBytes(p.Nonce[:])
	return Frame{Tag: TagPairReq, Payload: b.buf}, nil
}

// DecodePairReq parses a PAIR_REQ payload.
func DecodePairReq(payload []byte) (PairReq, error) {
	c := newCursor(payload)
	deviceID, err := c.readUUID()
	if err != nil {
		return PairReq{}, err
	}
	name, err := c.readString8()
	if err != nil {
		return PairReq{}, err
	}
	nonceBytes, err := c.readBytes(20)
	if err != nil {
		return PairReq{}, err
	}
	var req PairReq
	req.DeviceID = deviceID
	req.Name = name
	copy(req.Nonce[:], nonceBytes)
	return req, nil
}

// PairAck is the responder's accept/decline frame.
type PairAck struct {
	Accept      bool
	Fingerprint [32]byte
}

// Encode serializes a PAIR_ACK frame.
func (p PairAck) Encode() Frame {
	var b buffer
	if p.Accept {
		b.writeUint8(1)
		b.writeBytes(p.Fingerprint[:])
	} else {
		b.writeUint8(0)
	}
	return Frame{Tag: TagPairAck, Payload: b.buf}
}

// DecodePairAck parses a PAIR_ACK payload.
func DecodePairAck(payload []byte) (PairAck, error) {
	c := newCursor(payload)
	acceptByte, err := c.readUint8()
	if err != nil {
		return PairAck{}, err
	}
	ack := PairAck{Accept: acceptByte != 0}
	if !ack.Accept {
		return ack, nil
	}
	fp, err := c.readBytes(32)
	if err != nil {
		return PairAck{}, fmt.Errorf("decode PAIR_ACK fingerprint: %w", err)
	}
	copy(ack.Fingerprint[:], fp)
	return ack, nil
}

// PairFin is the initiator's closing pairing frame, carrying its own
// certificate fingerprint back to the responder.
type PairFin struct {
	Fingerprint [32]byte
}

// Encode serializes a PAIR_FIN frame.
func (p PairFin) Encode() Frame {
	var b buffer
	b.writeBytes(p.Fingerprint[:])
	return Frame{Tag: TagPairFin, Payload: b.buf}
}

// DecodePairFin parses a PAIR_FIN payload.
func DecodePairFin(payload []byte) (PairFin, error) {
	c := newCursor(payload)
	fp, err := c.readBytes(32)
	if err != nil {
		return PairFin{}, err
	}
	var out PairFin
	copy(out.Fingerprint[:], fp)
	return out, nil
}
