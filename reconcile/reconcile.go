// Package reconcile implements history synchronization between two
// paired devices: a client side that requests rows updated since its
// last known watermark, and a server side that pages them back.
package reconcile

import (
	"context"
	"fmt"
	"log"

	"github.com/quic-go/quic-go"

	"proxishare/store"
	"proxishare/transport"
	"proxishare/wire"
)

// pageSize bounds how many rows travel per HIST_PAGE frame, mirroring
// the teacher's paginated message listing limit.
const pageSize = 200

// Reconciler drives history sync on top of a Store shared with the
// rest of the local device.
type Reconciler struct {
	store *store.Store
}

// New builds a Reconciler over st.
func New(st *store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Sync opens a control stream to deviceID and pulls every transfer row
// the peer has recorded for us that we do not already have, merging
// each page as it arrives.
func (r *Reconciler) Sync(ctx context.Context, conn *transport.Conn) (merged int, err error) {
	deviceID := conn.DeviceID()

	sinceTS, err := r.store.MaxUpdatedAtForDevice(deviceID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: read local watermark for %s: %w", deviceID, err)
	}

	stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: open control stream: %w", err)
	}
	defer stream.Close()

	reqFrame := wire.HistReq{SinceTS: uint64(sinceTS)}.Encode()
	if err := wire.WriteFrame(stream, reqFrame); err != nil {
		return 0, fmt.Errorf("reconcile: send HIST_REQ: %w", err)
	}

	for {
		frame, err := wire.ReadFrame(stream)
		if err != nil {
			return merged, fmt.Errorf("reconcile: await HIST_PAGE: %w", err)
		}
		if frame.Tag != wire.TagHistPage {
			return merged, fmt.Errorf("reconcile: protocol violation: expected HIST_PAGE")
		}
		page, err := wire.DecodeHistPage(frame.Payload)
		if err != nil {
			return merged, fmt.Errorf("reconcile: decode HIST_PAGE: %w", err)
		}

		rows := make([]store.TransferRecord, len(page.Rows))
		for i, row := range page.Rows {
			rows[i] = historyRowToRecord(row)
		}
		n, err := r.store.UpsertTransfersBatch(rows)
		if err != nil {
			return merged, fmt.Errorf("reconcile: merge page: %w", err)
		}
		merged += n

		if page.NextCursor == "" {
			return merged, nil
		}

		cursorFrame := wire.HistReq{SinceTS: uint64(sinceTS), Cursor: page.NextCursor}.Encode()
		if err := wire.WriteFrame(stream, cursorFrame); err != nil {
			return merged, fmt.Errorf("reconcile: send HIST_REQ continuation: %w", err)
		}
	}
}

// HandleControlStream serves the responder side of history sync. It is
// wired as the pairing manager's onOther callback: any control-stream
// frame that is not PAIR_REQ is expected to be HIST_REQ.
func (r *Reconciler) HandleControlStream(conn *transport.Conn, stream quic.Stream, first wire.Frame) {
	defer stream.Close()

	if first.Tag != wire.TagHistReq {
		log.Printf("[reconcile] protocol violation from %s: expected HIST_REQ", conn.DeviceID())
		return
	}

	req, err := wire.DecodeHistReq(first.Payload)
	if err != nil {
		log.Printf("[reconcile] decode HIST_REQ from %s: %v", conn.DeviceID(), err)
		return
	}

	if err := r.serve(conn, stream, req); err != nil {
		log.Printf("[reconcile] serve %s: %v", conn.DeviceID(), err)
	}
}

func (r *Reconciler) serve(conn *transport.Conn, stream quic.Stream, req wire.HistReq) error {
	deviceID := conn.DeviceID()
	offset := decodeCursor(req.Cursor)

	for {
		recs, err := r.store.ListTransfersForDeviceSince(deviceID, int64(req.SinceTS), offset, pageSize)
		if err != nil {
			return fmt.Errorf("list transfers for %s: %w", deviceID, err)
		}

		hasMore := len(recs) > pageSize
		if hasMore {
			recs = recs[:pageSize]
		}

		page := wire.HistPage{Rows: make([]wire.HistoryRow, len(recs))}
		for i, rec := range recs {
			page.Rows[i] = recordToHistoryRow(rec)
		}
		if hasMore {
			offset += len(recs)
			page.NextCursor = encodeCursor(offset)
		}

		pageFrame, err := page.Encode()
		if err != nil {
			return fmt.Errorf("encode HIST_PAGE: %w", err)
		}
		if err := wire.WriteFrame(stream, pageFrame); err != nil {
			return fmt.Errorf("send HIST_PAGE: %w", err)
		}

		if !hasMore {
			return nil
		}

		frame, err := wire.ReadFrame(stream)
		if err != nil {
			return fmt.Errorf("await HIST_REQ continuation: %w", err)
		}
		if frame.Tag != wire.TagHistReq {
			return fmt.Errorf("protocol violation: expected HIST_REQ continuation")
		}
		req, err = wire.DecodeHistReq(frame.Payload)
		if err != nil {
			return fmt.Errorf("decode HIST_REQ continuation: %w", err)
		}
		offset = decodeCursor(req.Cursor)
	}
}

func historyRowToRecord(row wire.HistoryRow) store.TransferRecord {
	return store.TransferRecord{
		TransferID:       row.TransferID,
		DeviceID:         row.DeviceID,
		DeviceName:       row.DeviceName,
		FileName:         row.FileName,
		FilePath:         row.FilePath,
		TotalSize:        int64(row.TotalSize),
		Direction:        row.Direction,
		Status:           row.Status,
		BytesTransferred: int64(row.BytesTransferred),
		FileHash:         row.FileHash,
		CreatedAt:        int64(row.CreatedAt),
		UpdatedAt:        int64(row.UpdatedAt),
	}
}

func recordToHistoryRow(rec store.TransferRecord) wire.HistoryRow {
	return wire.HistoryRow{
		TransferID:       rec.TransferID,
		DeviceID:         rec.DeviceID,
		DeviceName:       rec.DeviceName,
		FileName:         rec.FileName,
		FilePath:         rec.FilePath,
		TotalSize:        uint64(rec.TotalSize),
		Direction:        rec.Direction,
		Status:           rec.Status,
		BytesTransferred: uint64(rec.BytesTransferred),
		FileHash:         rec.FileHash,
		CreatedAt:        uint64(rec.CreatedAt),
		UpdatedAt:        uint64(rec.UpdatedAt),
	}
}

// encodeCursor and decodeCursor make the pagination offset opaque to
// the wire format without adding a distinct cursor type; the reconciler
// on either side never inspects the other's cursor value.
func encodeCursor(offset int) string {
	return fmt.Sprintf("%d", offset)
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	var offset int
	if _, err := fmt.Sscanf(cursor, "%d", &offset); err != nil {
		return 0
	}
	return offset
}
