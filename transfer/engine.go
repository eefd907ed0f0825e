// Package transfer implements the chunked, resumable, cancellable
// file transfer engine: the OFFER/ACCEPT/REJECT/CHUNK/RESUME_AT/FIN/DONE
// wire dialogue carried on a transport transfer stream, integrity
// verification, progress reporting, and TransferRecord bookkeeping.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"proxishare/events"
	"proxishare/identity"
	"proxishare/models"
	"proxishare/store"
	"proxishare/transport"
	"proxishare/wire"
)

// DefaultChunkSize is the amount of file content carried per CHUNK frame.
const DefaultChunkSize = 256 * 1024

// hashPrecomputeThreshold bounds how large a file may be before its
// SHA-256 is computed up front and carried in OFFER rather than
// accumulated while streaming and carried in FIN.
const hashPrecomputeThreshold = 32 * 1024 * 1024

const (
	offerAcceptTimeout    = 15 * time.Second
	interChunkInactivity  = 30 * time.Second
)

// Engine sends and receives files over transport connections, tracking
// in-flight transfers in a concurrent registry and persisting durable
// state through the Store.
type Engine struct {
	store        *store.Store
	hub          *events.Hub
	selfDeviceID string
	registry     *registry

	dirMu        sync.RWMutex
	downloadsDir string
}

// NewEngine builds a transfer engine writing received files under
// downloadsDir.
func NewEngine(st *store.Store, hub *events.Hub, downloadsDir, selfDeviceID string) *Engine {
	return &Engine{
		store:        st,
		hub:          hub,
		downloadsDir: downloadsDir,
		selfDeviceID: selfDeviceID,
		registry:     newRegistry(),
	}
}

// SetDownloadsDir changes the destination directory for future inbound
// transfers. Transfers already in flight keep writing to the directory
// that was current when they started.
func (e *Engine) SetDownloadsDir(dir string) {
	e.dirMu.Lock()
	defer e.dirMu.Unlock()
	e.downloadsDir = dir
}

func (e *Engine) getDownloadsDir() string {
	e.dirMu.RLock()
	defer e.dirMu.RUnlock()
	return e.downloadsDir
}

// ActiveTransferCount reports how many transfers are currently in flight.
func (e *Engine) ActiveTransferCount() int {
	return e.registry.count()
}

// SendFile dispatches path to deviceID over conn. The peer must already
// be trusted; the engine checks the Store at dispatch time regardless of
// what the caller has already verified. A prior failed send for the
// same path and device is retried under the same transfer_id, provided
// its content hash still matches the file on disk.
func (e *Engine) SendFile(ctx context.Context, conn *transport.Conn, deviceID, deviceName, path string) (string, error) {
	trusted, err := e.store.IsTrusted(deviceID)
	if err != nil {
		return "", fmt.Errorf("transfer: check trust for %s: %w", deviceID, err)
	}
	if !trusted {
		return "", fmt.Errorf("transfer: device %s is not trusted", deviceID)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", errors.New("transfer: source path must be a file")
	}

	transferID, resumeHash, err := e.resolveSendTransferID(deviceID, path)
	if err != nil {
		return "", err
	}

	// The retry-safety rule (spec §4.7.3: reuse transfer_id only if the
	// content hash still matches) needs the hash on record from the
	// moment the transfer is known, not just once it completes — a hash
	// only ever written at completion can never gate a retry after
	// failure. resumeHash is already verified against the file on disk
	// by resolveSendTransferID; otherwise hash what we can afford to
	// up front.
	fileHash := resumeHash
	if fileHash == "" && info.Size() <= hashPrecomputeThreshold {
		sum, hashErr := identity.FileSHA256(path)
		if hashErr != nil {
			return "", fmt.Errorf("transfer: hash %s: %w", path, hashErr)
		}
		fileHash = hex.EncodeToString(sum[:])
	}

	rec := store.TransferRecord{
		TransferID: transferID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		FileName:   filepath.Base(path),
		FilePath:   path,
		TotalSize:  info.Size(),
		Direction:  store.DirectionSend,
		Status:     store.StatusPending,
		FileHash:   fileHash,
	}
	if err := e.upsertSendRecord(rec); err != nil {
		return "", err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	at := newActiveTransfer(transferID, deviceID, deviceName, rec.FileName, path, info.Size(), store.DirectionSend, DefaultChunkSize, cancel)
	e.registry.put(at)
	defer func() {
		cancel()
		e.registry.delete(transferID)
	}()

	if err := e.runSend(taskCtx, conn, at, fileHash); err != nil {
		e.ensureTerminal(transferID, err)
		return transferID, err
	}
	return transferID, nil
}

// ensureTerminal marks a transfer failed unless a more specific terminal
// status (cancelled, or a protocol-level failure) has already been
// recorded by the code path that produced err.
func (e *Engine) ensureTerminal(transferID string, cause error) {
	rec, err := e.store.GetTransfer(transferID)
	if err != nil || rec == nil {
		return
	}
	if store.IsTerminal(rec.Status) {
		return
	}
	if errors.Is(cause, context.Canceled) {
		e.setTerminal(transferID, store.StatusCancelled, "")
		return
	}
	e.setTerminal(transferID, store.StatusFailed, cause.Error())
}

// resolveSendTransferID decides whether an existing non-terminal or
// failed send record for (deviceID, path) can be resumed under its own
// transfer_id, or whether a fresh one is required.
func (e *Engine) resolveSendTransferID(deviceID, path string) (transferID string, precomputedHash string, err error) {
	existing, lookupErr := e.store.ListTransfersForDevice(deviceID, 100)
	if lookupErr != nil {
		return "", "", fmt.Errorf("transfer: list prior transfers for %s: %w", deviceID, lookupErr)
	}
	for _, rec := range existing {
		if rec.Direction != store.DirectionSend || rec.FilePath != path {
			continue
		}
		if rec.Status != store.StatusFailed && rec.Status != store.StatusPending && rec.Status != store.StatusPaused {
			continue
		}
		if rec.FileHash != "" {
			currentHash, err := identity.FileSHA256Hex(path)
			if err != nil {
				return "", "", fmt.Errorf("transfer: hash %s: %w", path, err)
			}
			if currentHash != rec.FileHash {
				continue
			}
			return rec.TransferID, rec.FileHash, nil
		}
		return rec.TransferID, "", nil
	}
	return uuid.NewString(), "", nil
}

func (e *Engine) upsertSendRecord(rec store.TransferRecord) error {
	existing, err := e.store.GetTransfer(rec.TransferID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("transfer: read record %s: %w", rec.TransferID, err)
	}
	if existing == nil {
		if err := e.store.InsertTransfer(rec); err != nil {
			return fmt.Errorf("transfer: insert record %s: %w", rec.TransferID, err)
		}
		return nil
	}
	if err := e.store.UpdateTransferStatus(rec.TransferID, store.StatusPending, existing.BytesTransferred, nil); err != nil {
		return fmt.Errorf("transfer: reset record %s: %w", rec.TransferID, err)
	}
	return nil
}

func (e *Engine) runSend(ctx context.Context, conn *transport.Conn, at *ActiveTransfer, fileHash string) error {
	stream, err := conn.OpenTransferStream(ctx)
	if err != nil {
		return fmt.Errorf("open transfer stream: %w", err)
	}
	defer stream.Close()
	at.setStream(stream)

	file, err := os.Open(at.FilePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	offer := wire.Offer{
		TransferID: at.TransferID,
		TotalSize:  uint64(at.TotalSize),
		ChunkSize:  uint32(at.ChunkSize),
		FileName:   at.FileName,
	}
	if fileHash != "" {
		sum, decodeErr := decodeHashHex(fileHash)
		if decodeErr != nil {
			return fmt.Errorf("decode stored hash: %w", decodeErr)
		}
		offer.HasHash = true
		offer.Hash = sum
	}
	offerFrame, err := offer.Encode()
	if err != nil {
		return fmt.Errorf("encode OFFER: %w", err)
	}
	if err := wire.WriteFrame(stream, offerFrame); err != nil {
		return fmt.Errorf("send OFFER: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(offerAcceptTimeout))
	replyFrame, err := wire.ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("await ACCEPT/REJECT: %w", err)
	}
	_ = stream.SetReadDeadline(time.Time{})

	switch replyFrame.Tag {
	case wire.TagReject:
		reject, err := wire.DecodeReject(replyFrame.Payload)
		if err != nil {
			return fmt.Errorf("decode REJECT: %w", err)
		}
		e.setTerminal(at.TransferID, store.StatusFailed, reject.Reason)
		return fmt.Errorf("transfer rejected: %s", reject.Reason)
	case wire.TagAccept:
		accept, err := wire.DecodeAccept(replyFrame.Payload)
		if err != nil {
			return fmt.Errorf("decode ACCEPT: %w", err)
		}
		return e.streamChunks(ctx, stream, file, at, int64(accept.ResumeOffset), offer.HasHash)
	default:
		return errors.New("protocol violation: expected ACCEPT or REJECT")
	}
}

func (e *Engine) streamChunks(ctx context.Context, stream quic.Stream, file *os.File, at *ActiveTransfer, resumeOffset int64, hashPrecomputed bool) error {
	if resumeOffset > 0 {
		if err := seedHasherFromFile(at.hasher, at.FilePath, resumeOffset); err != nil {
			return fmt.Errorf("seed hash from resume offset: %w", err)
		}
	}
	at.setOffset(resumeOffset)
	e.publishState(at.TransferID, store.StatusInProgress, "")
	_ = e.store.UpdateTransferStatus(at.TransferID, store.StatusInProgress, resumeOffset, nil)

	buf := make([]byte, at.ChunkSize)
	seq := uint64(0)
	offset := resumeOffset

	for {
		if err := ctx.Err(); err != nil {
			e.setTerminal(at.TransferID, store.StatusCancelled, "")
			return err
		}

		if at.IsPaused() {
			resumed, err := at.waitForResume(ctx)
			if err != nil {
				e.setTerminal(at.TransferID, store.StatusCancelled, "")
				return err
			}
			offset = resumed
			at.setOffset(offset)
			resumeAtFrame := wire.ResumeAt{Offset: uint64(offset)}.Encode()
			if err := wire.WriteFrame(stream, resumeAtFrame); err != nil {
				return fmt.Errorf("send RESUME_AT: %w", err)
			}
			e.publishState(at.TransferID, store.StatusInProgress, "")
		}

		n, readErr := file.ReadAt(buf, offset)
		if n == 0 && readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read source chunk: %w", readErr)
		}

		at.hasher.Write(buf[:n])

		chunkFrame := wire.Chunk{Seq: seq, Bytes: buf[:n]}.Encode()
		if err := wire.WriteFrame(stream, chunkFrame); err != nil {
			return fmt.Errorf("send CHUNK %d: %w", seq, err)
		}

		offset += int64(n)
		seq++
		at.setOffset(offset)
		_ = e.store.UpdateTransferStatus(at.TransferID, store.StatusInProgress, offset, nil)

		if at.shouldEmitProgress() || offset == at.TotalSize {
			e.hub.Publish(events.TransferProgress, models.ProgressInfo{
				TransferID: at.TransferID,
				FileName:   at.FileName,
				BytesSent:  offset,
				TotalBytes: at.TotalSize,
				Direction:  store.DirectionSend,
			})
		}

		if errors.Is(readErr, io.EOF) || offset >= at.TotalSize {
			break
		}
	}

	finHash := at.hasher.Sum()
	finFrame := wire.Fin{Hash: finHash}.Encode()
	if err := wire.WriteFrame(stream, finFrame); err != nil {
		return fmt.Errorf("send FIN: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(interChunkInactivity))
	doneFrame, err := wire.ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("await DONE: %w", err)
	}
	if doneFrame.Tag != wire.TagDone {
		return errors.New("protocol violation: expected DONE")
	}
	done, err := wire.DecodeDone(doneFrame.Payload)
	if err != nil {
		return fmt.Errorf("decode DONE: %w", err)
	}
	if !done.OK {
		e.setTerminal(at.TransferID, store.StatusFailed, done.Reason)
		return fmt.Errorf("receiver reported failure: %s", done.Reason)
	}

	hashHex := at.hasher.SumHex()
	if err := e.store.UpdateTransferStatus(at.TransferID, store.StatusCompleted, at.TotalSize, &hashHex); err != nil {
		return fmt.Errorf("finalize transfer record: %w", err)
	}
	e.publishState(at.TransferID, store.StatusCompleted, "")
	e.hub.Publish(events.TransferProgress, models.ProgressInfo{
		TransferID: at.TransferID,
		FileName:   at.FileName,
		BytesSent:  at.TotalSize,
		TotalBytes: at.TotalSize,
		Direction:  store.DirectionSend,
	})
	return nil
}

// HandleTransferStream is the transport's inbound handler for streams
// tagged StreamTransfer. It runs the receiver side of the wire dialogue.
func (e *Engine) HandleTransferStream(conn *transport.Conn, stream quic.Stream) {
	defer stream.Close()

	frame, err := wire.ReadFrame(stream)
	if err != nil {
		log.Printf("[transfer] read OFFER from %s: %v", conn.DeviceID(), err)
		return
	}
	if frame.Tag != wire.TagOffer {
		log.Printf("[transfer] protocol violation from %s: expected OFFER", conn.DeviceID())
		return
	}
	offer, err := wire.DecodeOffer(frame.Payload)
	if err != nil {
		log.Printf("[transfer] decode OFFER from %s: %v", conn.DeviceID(), err)
		return
	}

	trusted, err := e.store.IsTrusted(conn.DeviceID())
	if err != nil {
		log.Printf("[transfer] check trust for %s: %v", conn.DeviceID(), err)
		return
	}
	if !trusted {
		_ = wire.WriteFrame(stream, wire.Reject{Reason: "peer not trusted"}.Encode())
		return
	}

	if err := e.receive(conn, stream, offer); err != nil {
		log.Printf("[transfer] receive %s from %s: %v", offer.TransferID, conn.DeviceID(), err)
		e.ensureTerminal(offer.TransferID, err)
	}
}

func (e *Engine) receive(conn *transport.Conn, stream quic.Stream, offer wire.Offer) error {
	destPath, tempPath, resumeOffset, err := e.prepareDestination(offer, conn.DeviceID())
	if err != nil {
		_ = wire.WriteFrame(stream, wire.Reject{Reason: "cannot prepare destination"}.Encode())
		return fmt.Errorf("prepare destination: %w", err)
	}

	deviceName := conn.DeviceID()
	if known, err := e.store.GetDevice(conn.DeviceID()); err == nil && known.Name != "" {
		deviceName = known.Name
	}

	rec := store.TransferRecord{
		TransferID: offer.TransferID,
		DeviceID:   conn.DeviceID(),
		DeviceName: deviceName,
		FileName:   offer.FileName,
		FilePath:   destPath,
		TotalSize:  int64(offer.TotalSize),
		Direction:  store.DirectionReceive,
		Status:     store.StatusPending,
	}
	if err := e.upsertReceiveRecord(rec); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	at := newActiveTransfer(offer.TransferID, conn.DeviceID(), deviceName, offer.FileName, destPath, int64(offer.TotalSize), store.DirectionReceive, int(offer.ChunkSize), cancel)
	at.setStream(stream)
	e.registry.put(at)
	defer func() {
		cancel()
		e.registry.delete(offer.TransferID)
	}()

	if resumeOffset > 0 {
		if err := seedHasherFromFile(at.hasher, tempPath, resumeOffset); err != nil {
			return fmt.Errorf("seed hash from partial file: %w", err)
		}
	}
	at.setOffset(resumeOffset)

	if err := wire.WriteFrame(stream, wire.Accept{ResumeOffset: uint64(resumeOffset)}.Encode()); err != nil {
		return fmt.Errorf("send ACCEPT: %w", err)
	}
	e.publishState(offer.TransferID, store.StatusInProgress, "")
	_ = e.store.UpdateTransferStatus(offer.TransferID, store.StatusInProgress, resumeOffset, nil)

	return e.receiveChunks(taskCtx, stream, at, tempPath, destPath, offer)
}

func (e *Engine) prepareDestination(offer wire.Offer, deviceID string) (destPath, tempPath string, resumeOffset int64, err error) {
	existing, err := e.store.GetTransfer(offer.TransferID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", "", 0, fmt.Errorf("read existing transfer: %w", err)
	}

	if existing != nil && existing.DeviceID == deviceID && existing.Direction == store.DirectionReceive {
		destPath = existing.FilePath
	} else {
		downloadsDir := e.getDownloadsDir()
		if err := os.MkdirAll(downloadsDir, 0o700); err != nil {
			return "", "", 0, fmt.Errorf("create downloads dir: %w", err)
		}
		destPath = uniqueDestinationPath(downloadsDir, offer.FileName)
	}
	tempPath = destPath + ".part"

	if info, statErr := os.Stat(tempPath); statErr == nil {
		resumeOffset = info.Size()
		if resumeOffset > int64(offer.TotalSize) {
			resumeOffset = 0
		}
		return destPath, tempPath, resumeOffset, nil
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return "", "", 0, fmt.Errorf("create partial file: %w", err)
	}
	_ = f.Close()
	return destPath, tempPath, 0, nil
}

func (e *Engine) upsertReceiveRecord(rec store.TransferRecord) error {
	existing, err := e.store.GetTransfer(rec.TransferID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("transfer: read record %s: %w", rec.TransferID, err)
	}
	if existing == nil {
		if err := e.store.InsertTransfer(rec); err != nil {
			return fmt.Errorf("transfer: insert record %s: %w", rec.TransferID, err)
		}
		return nil
	}
	if err := e.store.UpdateTransferStatus(rec.TransferID, store.StatusPending, existing.BytesTransferred, nil); err != nil {
		return fmt.Errorf("transfer: reset record %s: %w", rec.TransferID, err)
	}
	return nil
}

func (e *Engine) receiveChunks(ctx context.Context, stream quic.Stream, at *ActiveTransfer, tempPath, destPath string, offer wire.Offer) error {
	file, err := os.OpenFile(tempPath, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open partial file for write: %w", err)
	}
	defer file.Close()

	for {
		if err := ctx.Err(); err != nil {
			e.setTerminal(at.TransferID, store.StatusCancelled, "")
			return err
		}

		_ = stream.SetReadDeadline(time.Now().Add(interChunkInactivity))
		frame, err := wire.ReadFrame(stream)
		_ = stream.SetReadDeadline(time.Time{})
		if err != nil {
			e.setTerminal(at.TransferID, store.StatusCancelled, "")
			return fmt.Errorf("read frame: %w", err)
		}

		switch frame.Tag {
		case wire.TagResumeAt:
			resumeAt, err := wire.DecodeResumeAt(frame.Payload)
			if err != nil {
				return fmt.Errorf("decode RESUME_AT: %w", err)
			}
			at.setOffset(int64(resumeAt.Offset))
			e.publishState(at.TransferID, store.StatusInProgress, "")
			continue

		case wire.TagChunk:
			chunk, err := wire.DecodeChunk(frame.Payload)
			if err != nil {
				return fmt.Errorf("decode CHUNK: %w", err)
			}
			offset := at.Offset()
			if _, err := file.WriteAt(chunk.Bytes, offset); err != nil {
				e.setTerminal(at.TransferID, store.StatusFailed, "write failed")
				return fmt.Errorf("write chunk at offset %d: %w", offset, err)
			}
			at.hasher.Write(chunk.Bytes)
			offset += int64(len(chunk.Bytes))
			at.setOffset(offset)
			_ = e.store.UpdateTransferStatus(at.TransferID, store.StatusInProgress, offset, nil)

			if at.shouldEmitProgress() {
				e.hub.Publish(events.TransferProgress, models.ProgressInfo{
					TransferID: at.TransferID,
					FileName:   at.FileName,
					BytesSent:  offset,
					TotalBytes: at.TotalSize,
					Direction:  store.DirectionReceive,
				})
			}

		case wire.TagFin:
			fin, err := wire.DecodeFin(frame.Payload)
			if err != nil {
				return fmt.Errorf("decode FIN: %w", err)
			}
			return e.finalizeReceive(stream, at, tempPath, destPath, offer, fin)

		default:
			return fmt.Errorf("protocol violation: unexpected tag %#x", byte(frame.Tag))
		}
	}
}

func (e *Engine) finalizeReceive(stream quic.Stream, at *ActiveTransfer, tempPath, destPath string, offer wire.Offer, fin wire.Fin) error {
	bytesReceived := at.Offset()
	if bytesReceived != at.TotalSize {
		reason := "incomplete transfer"
		_ = wire.WriteFrame(stream, wire.Done{OK: false, Reason: reason}.Encode())
		e.setTerminal(at.TransferID, store.StatusFailed, reason)
		return errors.New(reason)
	}

	computed := at.hasher.Sum()
	var expected [32]byte
	haveExpected := false
	if offer.HasHash {
		expected = offer.Hash
		haveExpected = true
	} else if fin.Hash != ([32]byte{}) {
		expected = fin.Hash
		haveExpected = true
	}

	if haveExpected && computed != expected {
		reason := "hash_mismatch"
		_ = wire.WriteFrame(stream, wire.Done{OK: false, Reason: reason}.Encode())
		e.setTerminal(at.TransferID, store.StatusFailed, reason)
		return fmt.Errorf("integrity check failed: %s", reason)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		reason := "finalize failed"
		_ = wire.WriteFrame(stream, wire.Done{OK: false, Reason: reason}.Encode())
		e.setTerminal(at.TransferID, store.StatusFailed, reason)
		return fmt.Errorf("rename partial file: %w", err)
	}

	hashHex := at.hasher.SumHex()
	if err := e.store.UpdateTransferStatus(at.TransferID, store.StatusCompleted, at.TotalSize, &hashHex); err != nil {
		return fmt.Errorf("finalize transfer record: %w", err)
	}
	if err := wire.WriteFrame(stream, wire.Done{OK: true}.Encode()); err != nil {
		return fmt.Errorf("send DONE: %w", err)
	}

	e.publishState(at.TransferID, store.StatusCompleted, "")
	e.hub.Publish(events.TransferProgress, models.ProgressInfo{
		TransferID: at.TransferID,
		FileName:   at.FileName,
		BytesSent:  at.TotalSize,
		TotalBytes: at.TotalSize,
		Direction:  store.DirectionReceive,
	})
	return nil
}

// PauseTransfer suspends an in-flight send. The transfer stream stays
// open; no bytes flow until ResumeTransfer is called.
func (e *Engine) PauseTransfer(transferID string) error {
	at, ok := e.registry.get(transferID)
	if !ok {
		return fmt.Errorf("transfer: %s is not active", transferID)
	}
	at.Pause()
	if err := e.store.UpdateTransferStatus(transferID, store.StatusPaused, at.Offset(), nil); err != nil {
		return fmt.Errorf("transfer: mark %s paused: %w", transferID, err)
	}
	e.publishState(transferID, store.StatusPaused, "")
	return nil
}

// ResumeTransfer wakes a paused send from its last durably recorded
// offset.
func (e *Engine) ResumeTransfer(transferID string) error {
	at, ok := e.registry.get(transferID)
	if !ok {
		return fmt.Errorf("transfer: %s is not active", transferID)
	}
	at.Resume(at.Offset())
	if err := e.store.UpdateTransferStatus(transferID, store.StatusInProgress, at.Offset(), nil); err != nil {
		return fmt.Errorf("transfer: mark %s in progress: %w", transferID, err)
	}
	return nil
}

// CancelTransfer aborts an in-flight transfer. A receive-side partial
// file is deleted; a send-side source file is never touched.
func (e *Engine) CancelTransfer(transferID string) error {
	at, ok := e.registry.get(transferID)
	if !ok {
		return fmt.Errorf("transfer: %s is not active", transferID)
	}
	if at.Direction == store.DirectionReceive {
		_ = os.Remove(at.FilePath + ".part")
	}
	at.Cancel()
	e.setTerminal(transferID, store.StatusCancelled, "")
	return nil
}

func (e *Engine) setTerminal(transferID, status, reason string) {
	rec, err := e.store.GetTransfer(transferID)
	bytes := int64(0)
	if err == nil && rec != nil {
		bytes = rec.BytesTransferred
	}
	_ = e.store.UpdateTransferStatus(transferID, status, bytes, nil)
	e.publishState(transferID, status, reason)
}

func (e *Engine) publishState(transferID, status, reason string) {
	e.hub.Publish(events.TransferStateChanged, models.StateChangeInfo{
		TransferID: transferID,
		Status:     status,
		Reason:     reason,
	})
}

func decodeHashHex(hexHash string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(hexHash)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("hash %q is not 32 bytes", hexHash)
	}
	copy(out[:], decoded)
	return out, nil
}

func seedHasherFromFile(h *identity.RollingHash, path string, n int64) error {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(h, f, n); err != nil {
		return err
	}
	return nil
}
