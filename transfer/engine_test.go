package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxishare/events"
	"proxishare/identity"
	"proxishare/store"
	"proxishare/transport"
)

type harness struct {
	deviceID string
	dir      string
	store    *store.Store
	hub      *events.Hub
	engine   *Engine
	endpoint *transport.Endpoint
}

func newHarness(t *testing.T, deviceID string) *harness {
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

	st, err := store.OpenPath(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := events.NewHub()
	downloads := filepath.Join(dir, "downloads")
	eng := NewEngine(st, hub, downloads, deviceID)

	ep, err := transport.Listen(transport.Config{
		DeviceID:   deviceID,
		Cert:       cert,
		Port:       0,
		OnTransfer: eng.HandleTransferStream,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	return &harness{deviceID: deviceID, dir: dir, store: st, hub: hub, engine: eng, endpoint: ep}
}

// trustEachOther records both peers in each store's devices table and
// then trusts them.
func trustEachOther(t *testing.T, a, b *harness) {
	t.Helper()
	if err := a.store.UpsertDevice(store.DeviceRecord{DeviceID: b.deviceID, Name: "peer"}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := b.store.UpsertDevice(store.DeviceRecord{DeviceID: a.deviceID, Name: "peer"}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := a.store.PutTrust(store.TrustRecord{DeviceID: b.deviceID, PeerPublicKeyFingerprint: "fp", PairedAt: 1}); err != nil {
		t.Fatalf("PutTrust failed: %v", err)
	}
	if err := b.store.PutTrust(store.TrustRecord{DeviceID: a.deviceID, PeerPublicKeyFingerprint: "fp", PairedAt: 1}); err != nil {
		t.Fatalf("PutTrust failed: %v", err)
	}
}

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func waitForTransferStatus(t *testing.T, st *store.Store, transferID, status string, timeout time.Duration) *store.TransferRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := st.GetTransfer(transferID)
		if err == nil && rec.Status == status {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transfer %s did not reach status %s in time", transferID, status)
	return nil
}

func TestSendFileRoundTripCompletesWithMatchingHash(t *testing.T) {
	sender := newHarness(t, "sender-device")
	receiver := newHarness(t, "receiver-device")
	trustEachOther(t, sender, receiver)

	content := make([]byte, 5*DefaultChunkSize+123)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srcPath := writeTempFile(t, sender.dir, "photo.bin", content)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	transferID, err := sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	senderRec := waitForTransferStatus(t, sender.store, transferID, store.StatusCompleted, 5*time.Second)
	if senderRec.BytesTransferred != int64(len(content)) {
		t.Fatalf("expected sender bytes_transferred %d, got %d", len(content), senderRec.BytesTransferred)
	}

	receiverRec := waitForTransferStatus(t, receiver.store, transferID, store.StatusCompleted, 5*time.Second)
	if receiverRec.FileHash == "" || receiverRec.FileHash != senderRec.FileHash {
		t.Fatalf("expected matching file hashes, sender=%q receiver=%q", senderRec.FileHash, receiverRec.FileHash)
	}

	receivedContent, err := os.ReadFile(receiverRec.FilePath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(receivedContent) != len(content) {
		t.Fatalf("expected %d bytes received, got %d", len(content), len(receivedContent))
	}
	for i := range content {
		if receivedContent[i] != content[i] {
			t.Fatalf("received content differs at byte %d", i)
		}
	}
}

func TestSendFileRejectsUntrustedDevice(t *testing.T) {
	sender := newHarness(t, "sender-device-2")
	receiver := newHarness(t, "receiver-device-2")

	srcPath := writeTempFile(t, sender.dir, "note.txt", []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if _, err := sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath); err == nil {
		t.Fatalf("expected SendFile to fail for an untrusted device")
	}
}

func TestSendFileRejectedByUntrustingReceiver(t *testing.T) {
	sender := newHarness(t, "sender-device-3")
	receiver := newHarness(t, "receiver-device-3")
	// Only the sender trusts the receiver; the receiver has not paired
	// with the sender, so its inbound trust check must reject the offer.
	if err := sender.store.UpsertDevice(store.DeviceRecord{DeviceID: receiver.deviceID, Name: "peer"}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := sender.store.PutTrust(store.TrustRecord{DeviceID: receiver.deviceID, PeerPublicKeyFingerprint: "fp", PairedAt: 1}); err != nil {
		t.Fatalf("PutTrust failed: %v", err)
	}

	srcPath := writeTempFile(t, sender.dir, "note.txt", []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	transferID, err := sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath)
	if err == nil {
		t.Fatalf("expected SendFile to fail when the receiver has not trusted back")
	}
	waitForTransferStatus(t, sender.store, transferID, store.StatusFailed, 3*time.Second)
}

func mustListTransfers(t *testing.T, st *store.Store, filter *store.TransferFilter) []store.TransferRecord {
	t.Helper()
	recs, err := st.ListTransfers(10, filter)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	return recs
}

func TestPauseAndResumeTransferCompletes(t *testing.T) {
	sender := newHarness(t, "sender-device-4")
	receiver := newHarness(t, "receiver-device-4")
	trustEachOther(t, sender, receiver)

	content := make([]byte, 20*DefaultChunkSize)
	for i := range content {
		content[i] = byte(i % 7)
	}
	srcPath := writeTempFile(t, sender.dir, "movie.bin", content)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	done := make(chan struct{})
	var sendErr error
	go func() {
		_, sendErr = sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var transferID string
	for time.Now().Before(deadline) {
		if sender.engine.ActiveTransferCount() > 0 {
			recs := mustListTransfers(t, sender.store, &store.TransferFilter{Direction: store.DirectionSend})
			if len(recs) > 0 {
				if err := sender.engine.PauseTransfer(recs[0].TransferID); err == nil {
					transferID = recs[0].TransferID
					break
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if transferID == "" {
		t.Fatalf("failed to pause the transfer while active")
	}

	time.Sleep(50 * time.Millisecond)
	if err := sender.engine.ResumeTransfer(transferID); err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}

	<-done
	if sendErr != nil {
		t.Fatalf("SendFile returned error after resume: %v", sendErr)
	}

	waitForTransferStatus(t, sender.store, transferID, store.StatusCompleted, 10*time.Second)
	receiverRec := waitForTransferStatus(t, receiver.store, transferID, store.StatusCompleted, 10*time.Second)
	if receiverRec.BytesTransferred != int64(len(content)) {
		t.Fatalf("expected %d bytes received, got %d", len(content), receiverRec.BytesTransferred)
	}
}

func TestCancelTransferRemovesReceiverPartialFile(t *testing.T) {
	sender := newHarness(t, "sender-device-5")
	receiver := newHarness(t, "receiver-device-5")
	trustEachOther(t, sender, receiver)

	content := make([]byte, 20*DefaultChunkSize)
	srcPath := writeTempFile(t, sender.dir, "big.bin", content)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var receiverTransferID string
	for time.Now().Before(deadline) {
		if receiver.engine.ActiveTransferCount() > 0 {
			recs := mustListTransfers(t, receiver.store, nil)
			if len(recs) > 0 {
				receiverTransferID = recs[0].TransferID
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if receiverTransferID == "" {
		t.Fatalf("receiver never observed an inbound transfer")
	}

	if err := receiver.engine.CancelTransfer(receiverTransferID); err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}

	<-done

	waitForTransferStatus(t, receiver.store, receiverTransferID, store.StatusCancelled, 5*time.Second)
	rec, err := receiver.store.GetTransfer(receiverTransferID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if _, err := os.Stat(rec.FilePath + ".part"); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be removed after receiver-initiated cancel")
	}
}

func TestSendFileResumesAfterProcessDeathReusesTransferID(t *testing.T) {
	sender := newHarness(t, "sender-device-8")
	receiver := newHarness(t, "receiver-device-8")
	trustEachOther(t, sender, receiver)

	content := make([]byte, 8*DefaultChunkSize)
	for i := range content {
		content[i] = byte(i % 181)
	}
	srcPath := writeTempFile(t, sender.dir, "killed.bin", content)

	ctx1, cancel1 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel1()
	conn1, err := sender.endpoint.Dial(ctx1, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		_, _ = sender.engine.SendFile(ctx1, conn1, receiver.deviceID, "Receiver", srcPath)
		close(firstDone)
	}()

	// Let a few chunks go out, then drop the connection out from under the
	// transfer, standing in for the sender process being killed before it
	// can send FIN.
	deadline := time.Now().Add(3 * time.Second)
	var firstTransferID string
	for time.Now().Before(deadline) {
		recs := mustListTransfers(t, sender.store, &store.TransferFilter{Direction: store.DirectionSend})
		if len(recs) > 0 && recs[0].BytesTransferred > int64(DefaultChunkSize) {
			firstTransferID = recs[0].TransferID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if firstTransferID == "" {
		t.Fatalf("first send never made progress")
	}
	if err := conn1.Close(0, "simulated process death"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-firstDone

	firstRec := waitForTransferStatus(t, sender.store, firstTransferID, store.StatusFailed, 3*time.Second)
	if firstRec.FileHash == "" {
		t.Fatalf("expected the OFFER-computed hash to survive the killed attempt")
	}

	// A freshly constructed Engine, standing in for the sender process
	// restarting, reopens the same on-disk store and retries the send.
	restarted := NewEngine(sender.store, sender.hub, sender.dir, sender.deviceID)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	conn2, err := sender.endpoint.Dial(ctx2, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	transferID, err := restarted.SendFile(ctx2, conn2, receiver.deviceID, "Receiver", srcPath)
	if err != nil {
		t.Fatalf("SendFile after restart failed: %v", err)
	}
	if transferID != firstTransferID {
		t.Fatalf("expected the restarted send to reuse transfer_id %q, got %q", firstTransferID, transferID)
	}

	waitForTransferStatus(t, sender.store, transferID, store.StatusCompleted, 10*time.Second)
	receiverRec := waitForTransferStatus(t, receiver.store, transferID, store.StatusCompleted, 10*time.Second)
	if receiverRec.BytesTransferred != int64(len(content)) {
		t.Fatalf("expected %d bytes received, got %d", len(content), receiverRec.BytesTransferred)
	}
}

func TestSendFileDetectsCorruptionAsHashMismatch(t *testing.T) {
	sender := newHarness(t, "sender-device-9")
	receiver := newHarness(t, "receiver-device-9")
	trustEachOther(t, sender, receiver)

	content := make([]byte, 6*DefaultChunkSize)
	for i := range content {
		content[i] = byte(i % 233)
	}
	srcPath := writeTempFile(t, sender.dir, "corrupt.bin", content)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := sender.endpoint.Dial(ctx, "127.0.0.1", receiver.endpoint.Port(), receiver.deviceID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	sendDone := make(chan error, 1)
	var transferID string
	go func() {
		id, sendErr := sender.engine.SendFile(ctx, conn, receiver.deviceID, "Receiver", srcPath)
		transferID = id
		sendDone <- sendErr
	}()

	// Wait until some, but not all, bytes are on the wire, then flip a
	// byte deep in the source file the sender has not read yet — a bad
	// disk sector or a concurrent writer racing the transfer, not a
	// hostile actor.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs := mustListTransfers(t, sender.store, &store.TransferFilter{Direction: store.DirectionSend})
		if len(recs) > 0 && recs[0].BytesTransferred > int64(2*DefaultChunkSize) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	f, err := os.OpenFile(srcPath, os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteAt([]byte{^content[len(content)-1]}, int64(len(content)-1)); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if sendErr := <-sendDone; sendErr == nil {
		t.Fatalf("expected SendFile to fail once the receiver detected corrupted content")
	}

	waitForTransferStatus(t, sender.store, transferID, store.StatusFailed, 5*time.Second)
	receiverRec := waitForTransferStatus(t, receiver.store, transferID, store.StatusFailed, 5*time.Second)
	if _, err := os.Stat(receiverRec.FilePath + ".part"); os.IsNotExist(err) {
		t.Fatalf("expected the receiver's partial file to remain after a hash mismatch")
	}
}

func TestUniqueDestinationPathAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	first := uniqueDestinationPath(dir, "report.pdf")
	if err := os.WriteFile(first, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	second := uniqueDestinationPath(dir, "report.pdf")
	if second == first {
		t.Fatalf("expected a distinct path once the first exists")
	}
	if filepath.Base(second) != "report (1).pdf" {
		t.Fatalf("expected numeric suffix, got %q", filepath.Base(second))
	}
}
