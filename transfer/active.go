package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"proxishare/identity"
)

// progressInterval bounds how often the chunk loop emits transfer-progress,
// per spec's 20-events-per-second-per-transfer ceiling.
const progressInterval = time.Second / 20

// ActiveTransfer is the in-memory state of a transfer in flight. The
// durable side lives in the Store as a TransferRecord keyed by the same
// transfer_id; ActiveTransfer never holds a strong reference back to it.
type ActiveTransfer struct {
	TransferID string
	DeviceID   string
	DeviceName string
	FileName   string
	FilePath   string
	TotalSize  int64
	Direction  string
	ChunkSize  int

	mu         sync.Mutex
	offset     int64
	paused     bool
	unpauseCh  chan resumeSignal
	cancel     context.CancelFunc
	stream     quic.Stream
	hasher     *identity.RollingHash
	lastEmit   time.Time
}

type resumeSignal struct {
	offset int64
}

func newActiveTransfer(transferID, deviceID, deviceName, fileName, filePath string, totalSize int64, direction string, chunkSize int, cancel context.CancelFunc) *ActiveTransfer {
	return &ActiveTransfer{
		TransferID: transferID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		FileName:   fileName,
		FilePath:   filePath,
		TotalSize:  totalSize,
		Direction:  direction,
		ChunkSize:  chunkSize,
		unpauseCh:  make(chan resumeSignal, 1),
		cancel:     cancel,
		hasher:     identity.NewRollingHash(),
	}
}

// Offset returns the current durable byte offset.
func (a *ActiveTransfer) Offset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *ActiveTransfer) setOffset(n int64) {
	a.mu.Lock()
	a.offset = n
	a.mu.Unlock()
}

// Pause flips the pause latch. The sender loop checks this between
// chunks and blocks; the stream itself is kept open.
func (a *ActiveTransfer) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume clears the pause latch and wakes a blocked sender loop with
// the byte offset to continue from.
func (a *ActiveTransfer) Resume(fromOffset int64) {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()

	select {
	case a.unpauseCh <- resumeSignal{offset: fromOffset}:
	default:
	}
}

// IsPaused reports the current pause latch state.
func (a *ActiveTransfer) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// waitForResume blocks while paused, returning the resume offset once
// unblocked, or an error if ctx is cancelled first.
func (a *ActiveTransfer) waitForResume(ctx context.Context) (int64, error) {
	select {
	case sig := <-a.unpauseCh:
		return sig.offset, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// setStream records the transfer stream so Cancel can force a blocked
// read or write to return, since context cancellation alone does not
// interrupt an in-flight QUIC stream operation.
func (a *ActiveTransfer) setStream(stream quic.Stream) {
	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()
}

// Cancel invokes the owning task's cancellation token and aborts its
// stream so a blocked read or write returns immediately.
func (a *ActiveTransfer) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	}
}

func (a *ActiveTransfer) shouldEmitProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if now.Sub(a.lastEmit) < progressInterval {
		return false
	}
	a.lastEmit = now
	return true
}

// registry is the concurrent map of in-flight transfers keyed by
// transfer_id. Entries are removed only by the owning task.
type registry struct {
	mu    sync.RWMutex
	items map[string]*ActiveTransfer
}

func newRegistry() *registry {
	return &registry{items: make(map[string]*ActiveTransfer)}
}

func (r *registry) put(t *ActiveTransfer) {
	r.mu.Lock()
	r.items[t.TransferID] = t
	r.mu.Unlock()
}

func (r *registry) get(transferID string) (*ActiveTransfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[transferID]
	return t, ok
}

func (r *registry) delete(transferID string) {
	r.mu.Lock()
	delete(r.items, transferID)
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
