package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxishare/events"
	"proxishare/store"
)

func newTestHandle(t *testing.T, name string) *Handle {
	t.Helper()
	h, err := Init(t.TempDir(), 0, name)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// registerAsKnown seeds each handle's device table with the other's
// loopback address, standing in for what a live discovery roster would
// otherwise have supplied.
func registerAsKnown(t *testing.T, a, b *Handle) {
	t.Helper()
	if err := a.store.UpsertDevice(store.DeviceRecord{
		DeviceID:    b.DeviceID(),
		Name:        b.DeviceName(),
		Addresses:   []string{"127.0.0.1"},
		ServicePort: b.ServicePort(),
	}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := b.store.UpsertDevice(store.DeviceRecord{
		DeviceID:    a.DeviceID(),
		Name:        a.DeviceName(),
		Addresses:   []string{"127.0.0.1"},
		ServicePort: a.ServicePort(),
	}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func pairHandles(t *testing.T, initiator, responder *Handle) {
	t.Helper()
	sub := responder.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, resultCh, err := initiator.RequestPairing(ctx, responder.DeviceID(), "127.0.0.1", responder.ServicePort())
	if err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}

	select {
	case evt := <-sub.Events():
		if evt.Name != events.PairingRequest {
			t.Fatalf("expected a pairing-request event, got %q", evt.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("responder never observed a pairing-request event")
	}

	if err := responder.AcceptPairing(initiator.DeviceID(), true); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}

	select {
	case result := <-resultCh:
		if !result.Paired {
			t.Fatalf("expected pairing to succeed, got reason %q", result.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pairing never completed")
	}
}

func TestInitBuildsIndependentHandles(t *testing.T) {
	a := newTestHandle(t, "Device A")
	b := newTestHandle(t, "Device B")

	if a.DeviceID() == b.DeviceID() {
		t.Fatalf("expected distinct device IDs across independent handles")
	}
	if a.ServicePort() == 0 || b.ServicePort() == 0 {
		t.Fatalf("expected an OS-assigned service port on each handle")
	}
}

func TestPairingThroughHandleUpdatesTrust(t *testing.T) {
	a := newTestHandle(t, "Device A")
	b := newTestHandle(t, "Device B")

	pairHandles(t, a, b)

	trusted, err := a.IsDeviceTrusted(b.DeviceID())
	if err != nil {
		t.Fatalf("IsDeviceTrusted failed: %v", err)
	}
	if !trusted {
		t.Fatalf("expected initiator to trust responder after pairing")
	}

	trusted, err = b.IsDeviceTrusted(a.DeviceID())
	if err != nil {
		t.Fatalf("IsDeviceTrusted failed: %v", err)
	}
	if !trusted {
		t.Fatalf("expected responder to trust initiator after pairing")
	}
}

func TestSendFileThenSyncHistoryThroughHandles(t *testing.T) {
	a := newTestHandle(t, "Device A")
	b := newTestHandle(t, "Device B")

	pairHandles(t, a, b)
	registerAsKnown(t, a, b)

	srcPath := filepath.Join(t.TempDir(), "greeting.txt")
	if err := os.WriteFile(srcPath, []byte("hello from device A"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transferID, err := a.SendFile(ctx, b.DeviceID(), srcPath)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		history, err := b.GetTransferHistory(10, nil)
		if err != nil {
			t.Fatalf("GetTransferHistory failed: %v", err)
		}
		for _, rec := range history {
			if rec.TransferID == transferID && rec.Status == store.StatusCompleted {
				return true
			}
		}
		return false
	})

	diagnostics, err := a.GetNetworkDiagnostics()
	if err != nil {
		t.Fatalf("GetNetworkDiagnostics failed: %v", err)
	}
	if diagnostics.TrustedPeerCount != 1 {
		t.Fatalf("expected 1 trusted peer, got %d", diagnostics.TrustedPeerCount)
	}

	// a pulls b's history. b's only row is its receive record of the
	// transfer above, which shares a transfer_id with a's own send record,
	// so whether it merges depends on how the two rows' updated_at compare;
	// the test therefore checks only that the sync succeeds and reports a
	// non-negative count.
	merged, err := a.SyncHistory(ctx, b.DeviceID())
	if err != nil {
		t.Fatalf("SyncHistory failed: %v", err)
	}
	if merged < 0 {
		t.Fatalf("expected a non-negative merge count, got %d", merged)
	}
}

func TestClearTransferHistoryRemovesRecords(t *testing.T) {
	a := newTestHandle(t, "Device A")
	b := newTestHandle(t, "Device B")

	pairHandles(t, a, b)
	registerAsKnown(t, a, b)

	srcPath := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(srcPath, []byte("payload"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := a.SendFile(ctx, b.DeviceID(), srcPath); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		history, err := a.GetTransferHistory(10, nil)
		if err != nil {
			t.Fatalf("GetTransferHistory failed: %v", err)
		}
		return len(history) > 0
	})

	if err := a.ClearTransferHistory(); err != nil {
		t.Fatalf("ClearTransferHistory failed: %v", err)
	}

	history, err := a.GetTransferHistory(10, nil)
	if err != nil {
		t.Fatalf("GetTransferHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history after clear, got %d rows", len(history))
	}
}

func TestSetSyncFolderRedirectsFutureReceives(t *testing.T) {
	h := newTestHandle(t, "Device A")

	newFolder := filepath.Join(t.TempDir(), "custom-downloads")
	if err := h.SetSyncFolder(newFolder); err != nil {
		t.Fatalf("SetSyncFolder failed: %v", err)
	}

	status := h.GetSyncStatus()
	if status.SyncFolder != newFolder {
		t.Fatalf("expected sync folder %q, got %q", newFolder, status.SyncFolder)
	}
	if _, err := os.Stat(newFolder); err != nil {
		t.Fatalf("expected sync folder to exist: %v", err)
	}
}

func TestTestDeviceConnectivityReflectsReachability(t *testing.T) {
	a := newTestHandle(t, "Device A")
	b := newTestHandle(t, "Device B")
	registerAsKnown(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reachable, err := a.TestDeviceConnectivity(ctx, b.DeviceID())
	if err != nil {
		t.Fatalf("TestDeviceConnectivity failed: %v", err)
	}
	if !reachable {
		t.Fatalf("expected b to be reachable over loopback")
	}

	unknownID := "99999999-9999-9999-9999-999999999999"
	if _, err := a.TestDeviceConnectivity(ctx, unknownID); err == nil {
		t.Fatalf("expected an error probing a device with no known address")
	}
}
