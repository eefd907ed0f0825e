package wire

// Offer is the sender's opening transfer frame.
type Offer struct {
	TransferID string
	TotalSize  uint64
	ChunkSize  uint32
	HasHash    bool
	Hash       [32]byte
	FileName   string
}

// Encode serializes an OFFER frame.
func (o Offer) Encode() (Frame, error) {
	var b buffer
	if err := b.writeUUID(o.TransferID); err != nil {
		return Frame{}, err
	}
	b.writeUint64(o.TotalSize)
	b.writeUint32(o.ChunkSize)
	if o.HasHash {
		b.writeUint8(1)
		b.writeBytes(o.Hash[:])
	} else {
		b.writeUint8(0)
	}
	b.writeString16(o.FileName)
	return Frame{Tag: TagOffer, Payload: b.buf}, nil
}

// DecodeOffer parses an OFFER payload.
func DecodeOffer(payload []byte) (Offer, error) {
	c := newCursor(payload)
	transferID, err := c.readUUID()
	if err != nil {
		return Offer{}, err
	}
	totalSize, err := c.readUint64()
	if err != nil {
		return Offer{}, err
	}
	chunkSize, err := c.readUint32()
	if err != nil {
		return Offer{}, err
	}
	hasHashByte, err := c.readUint8()
	if err != nil {
		return Offer{}, err
	}
	var hash [32]byte
	hasHash := hasHashByte != 0
	if hasHash {
		raw, err := c.readBytes(32)
		if err != nil {
			return Offer{}, err
		}
		copy(hash[:], raw)
	}
	name, err := c.readString16()
	if err != nil {
		return Offer{}, err
	}
	return Offer{
		TransferID: transferID,
		TotalSize:  totalSize,
		ChunkSize:  chunkSize,
		HasHash:    hasHash,
		Hash:       hash,
		FileName:   name,
	}, nil
}

// Accept is the receiver's response accepting a transfer, indicating
// the byte offset to resume from (0 for a new transfer).
type Accept struct {
	ResumeOffset uint64
}

// Encode serializes an ACCEPT frame.
func (a Accept) Encode() Frame {
	var b buffer
	b.writeUint64(a.ResumeOffset)
	return Frame{Tag: TagAccept, Payload: b.buf}
}

// DecodeAccept parses an ACCEPT payload.
func DecodeAccept(payload []byte) (Accept, error) {
	c := newCursor(payload)
	offset, err := c.readUint64()
	if err != nil {
		return Accept{}, err
	}
	return Accept{ResumeOffset: offset}, nil
}

// Reject terminates an offer without accepting it.
type Reject struct {
	Reason string
}

// Encode serializes a REJECT frame.
func (r Reject) Encode() Frame {
	var b buffer
	b.writeString16(r.Reason)
	return Frame{Tag: TagReject, Payload: b.buf}
}

// DecodeReject parses a REJECT payload.
func DecodeReject(payload []byte) (Reject, error) {
	c := newCursor(payload)
	reason, err := c.readString16()
	if err != nil {
		return Reject{}, err
	}
	return Reject{Reason: reason}, nil
}

// Chunk carries one bounded slice of file bytes.
type Chunk struct {
	Seq   uint64
	Bytes []byte
}

// Encode serializes a CHUNK frame.
func (c Chunk) Encode() Frame {
	var b buffer
	b.writeUint64(c.Seq)
	b.writeBytes(c.Bytes)
	return Frame{Tag: TagChunk, Payload: b.buf}
}

// DecodeChunk parses a CHUNK payload.
func DecodeChunk(payload []byte) (Chunk, error) {
	cur := newCursor(payload)
	seq, err := cur.readUint64()
	if err != nil {
		return Chunk{}, err
	}
	data, err := cur.readBytes(cur.remaining())
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Seq: seq, Bytes: append([]byte(nil), data...)}, nil
}

// ResumeAt is sent by the sender when a paused transfer resumes, telling
// the receiver the byte offset it continues from. The receiver never
// sends it; a resumed offer takes its starting offset from ACCEPT.
type ResumeAt struct {
	Offset uint64
}

// Encode serializes a RESUME_AT frame.
func (r ResumeAt) Encode() Frame {
	var b buffer
	b.writeUint64(r.Offset)
	return Frame{Tag: TagResumeAt, Payload: b.buf}
}

// DecodeResumeAt parses a RESUME_AT payload.
func DecodeResumeAt(payload []byte) (ResumeAt, error) {
	c := newCursor(payload)
	offset, err := c.readUint64()
	if err != nil {
		return ResumeAt{}, err
	}
	return ResumeAt{Offset: offset}, nil
}

// Fin announces end of stream and the sender's total content hash.
type Fin struct {
	Hash [32]byte
}

// Encode serializes a FIN frame.
func (f Fin) Encode() Frame {
	var b buffer
	b.writeBytes(f.Hash[:])
	return Frame{Tag: TagFin, Payload: b.buf}
}

// DecodeFin parses a FIN payload.
func DecodeFin(payload []byte) (Fin, error) {
	c := newCursor(payload)
	raw, err := c.readBytes(32)
	if err != nil {
		return Fin{}, err
	}
	var out Fin
	copy(out.Hash[:], raw)
	return out, nil
}

// Done is the receiver's final verdict on a transfer.
type Done struct {
	OK     bool
	Reason string
}

// Encode serializes a DONE frame.
func (d Done) Encode() Frame {
	var b buffer
	if d.OK {
		b.writeUint8(1)
	} else {
		b.writeUint8(0)
	}
	b.writeString16(d.Reason)
	return Frame{Tag: TagDone, Payload: b.buf}
}

// DecodeDone parses a DONE payload.
func DecodeDone(payload []byte) (Done, error) {
	c := newCursor(payload)
	okByte, err := c.readUint8()
	if err != nil {
		return Done{}, err
	}
	reason, err := c.readString16()
	if err != nil {
		return Done{}, err
	}
	return Done{OK: okByte != 0, Reason: reason}, nil
}
