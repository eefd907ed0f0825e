package engine

import (
	"context"
	"fmt"
	"os"

	"proxishare/config"
	"proxishare/events"
	"proxishare/models"
)

// SetSyncFolder changes the destination directory for future inbound
// transfers and persists the choice to config.json. Transfers already
// in flight keep writing to the directory that was current when they
// started.
func (h *Handle) SetSyncFolder(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("engine: create sync folder %q: %w", path, err)
	}

	h.cfg.SyncFolder = path
	if err := config.Save(h.cfgPath, h.cfg); err != nil {
		return fmt.Errorf("engine: persist sync folder: %w", err)
	}

	h.transfer.SetDownloadsDir(path)
	return nil
}

// GetSyncStatus reports the current downloads folder and how many
// transfers are active.
func (h *Handle) GetSyncStatus() models.SyncStatusInfo {
	return models.SyncStatusInfo{
		SyncFolder:      h.cfg.SyncFolder,
		ActiveTransfers: h.transfer.ActiveTransferCount(),
	}
}

// SyncHistory dials deviceID and pulls every transfer row it has
// recorded for us that we do not already have. It is safe to call
// repeatedly: a run with no new activity on either side merges nothing.
func (h *Handle) SyncHistory(ctx context.Context, deviceID string) (int, error) {
	conn, err := h.resolveConn(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("engine: connect to %s: %w", deviceID, err)
	}

	merged, err := h.reconcile.Sync(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("engine: sync history with %s: %w", deviceID, err)
	}
	if merged > 0 {
		h.hub.Publish(events.HistoryUpdated, struct{}{})
	}
	return merged, nil
}
