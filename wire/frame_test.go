package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	original := Frame{Tag: TagChunk, Payload: []byte("hello world")}

	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Tag != original.Tag || !bytes.Equal(got.Payload, original.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, original)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagChunk))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}

func TestStreamKindRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStreamKind(&buf, StreamTransfer); err != nil {
		t.Fatalf("WriteStreamKind failed: %v", err)
	}
	got, err := ReadStreamKind(&buf)
	if err != nil {
		t.Fatalf("ReadStreamKind failed: %v", err)
	}
	if got != StreamTransfer {
		t.Fatalf("expected StreamTransfer, got %v", got)
	}
}

func TestPairReqRoundTrip(t *testing.T) {
	req := PairReq{
		DeviceID: uuid.NewString(),
		Name:     "Alice Laptop",
		Nonce:    [20]byte{1, 2, 3, 4, 5},
	}
	frame, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodePairReq(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePairReq failed: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestPairAckRoundTripAccept(t *testing.T) {
	ack := PairAck{Accept: true, Fingerprint: [32]byte{9, 9, 9}}
	frame := ack.Encode()
	got, err := DecodePairAck(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePairAck failed: %v", err)
	}
	if got != ack {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ack)
	}
}

func TestPairAckRoundTripDecline(t *testing.T) {
	ack := PairAck{Accept: false}
	frame := ack.Encode()
	got, err := DecodePairAck(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePairAck failed: %v", err)
	}
	if got.Accept {
		t.Fatalf("expected decline to round trip as Accept=false")
	}
}

func TestOfferRoundTrip(t *testing.T) {
	offer := Offer{
		TransferID: uuid.NewString(),
		TotalSize:  1 << 20,
		ChunkSize:  256 * 1024,
		HasHash:    true,
		Hash:       [32]byte{1, 2, 3},
		FileName:   "photo.jpg",
	}
	frame, err := offer.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeOffer(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if got != offer {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, offer)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	chunk := Chunk{Seq: 42, Bytes: []byte{1, 2, 3, 4, 5}}
	frame := chunk.Encode()
	got, err := DecodeChunk(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if got.Seq != chunk.Seq || !bytes.Equal(got.Bytes, chunk.Bytes) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, chunk)
	}
}

func TestFinRoundTrip(t *testing.T) {
	fin := Fin{Hash: [32]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	frame := fin.Encode()
	got, err := DecodeFin(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeFin failed: %v", err)
	}
	if got != fin {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, fin)
	}
}

func TestDoneRoundTripOK(t *testing.T) {
	done := Done{OK: true}
	frame := done.Encode()
	got, err := DecodeDone(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeDone failed: %v", err)
	}
	if got != done {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, done)
	}
}

// A corrupted byte introduced somewhere between the sender computing its
// FIN hash and the receiver verifying it produces a DONE{OK:false} frame
// carrying the "hash_mismatch" reason; this exercises that the reason
// string itself survives the wire encoding unaltered.
func TestDoneRoundTripHashMismatch(t *testing.T) {
	done := Done{OK: false, Reason: "hash_mismatch"}
	frame := done.Encode()
	got, err := DecodeDone(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeDone failed: %v", err)
	}
	if got != done {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, done)
	}
}

func TestHistPageRoundTrip(t *testing.T) {
	page := HistPage{
		Rows: []HistoryRow{
			{
				TransferID: uuid.NewString(),
				DeviceID:   uuid.NewString(),
				DeviceName: "Kitchen",
				FileName:   "f.bin",
				FilePath:   "/x/f.bin",
				TotalSize:  10,
				Direction:  "send",
				Status:     "completed",
				CreatedAt:  1,
				UpdatedAt:  2,
			},
		},
		NextCursor: "abc",
	}
	frame, err := page.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeHistPage(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeHistPage failed: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0] != page.Rows[0] || got.NextCursor != page.NextCursor {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, page)
	}
}
