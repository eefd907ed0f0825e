package engine

import (
	"context"
	"fmt"

	"proxishare/events"
	"proxishare/models"
	"proxishare/store"
)

// SendFile dials deviceID if not already connected and dispatches the
// file at path. It returns the transfer_id the caller should track.
func (h *Handle) SendFile(ctx context.Context, deviceID, path string) (string, error) {
	conn, err := h.resolveConn(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("engine: connect to %s: %w", deviceID, err)
	}

	deviceName := deviceID
	if rec, err := h.store.GetDevice(deviceID); err == nil {
		deviceName = rec.Name
	}

	return h.transfer.SendFile(ctx, conn, deviceID, deviceName, path)
}

// PauseTransfer suspends an in-flight transfer. Pause state lives only
// in memory; a process restart is equivalent to a cancel that retains
// whatever bytes were already written.
func (h *Handle) PauseTransfer(transferID string) error {
	return h.transfer.PauseTransfer(transferID)
}

// ResumeTransfer continues a previously paused transfer.
func (h *Handle) ResumeTransfer(transferID string) error {
	return h.transfer.ResumeTransfer(transferID)
}

// CancelTransfer aborts an in-flight transfer. Cancelling a receive on
// this device deletes its partial file; cancelling a send leaves the
// source file untouched, and the peer's partial file stays in place.
func (h *Handle) CancelTransfer(transferID string) error {
	return h.transfer.CancelTransfer(transferID)
}

// GetTransferHistory returns up to limit transfer records, most
// recently updated first, optionally narrowed by filter.
func (h *Handle) GetTransferHistory(limit int, filter *store.TransferFilter) ([]models.TransferInfo, error) {
	recs, err := h.store.ListTransfers(limit, filter)
	if err != nil {
		return nil, fmt.Errorf("engine: list transfer history: %w", err)
	}
	return toTransferInfos(recs), nil
}

// GetDeviceTransfers returns transfer history for one peer device.
func (h *Handle) GetDeviceTransfers(deviceID string, limit int) ([]models.TransferInfo, error) {
	recs, err := h.store.ListTransfersForDevice(deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: list transfers for %s: %w", deviceID, err)
	}
	return toTransferInfos(recs), nil
}

// ClearTransferHistory deletes all locally recorded transfer history.
// Trusted devices and their addresses are untouched.
func (h *Handle) ClearTransferHistory() error {
	if err := h.store.ClearHistory(); err != nil {
		return fmt.Errorf("engine: clear transfer history: %w", err)
	}
	h.hub.Publish(events.HistoryUpdated, struct{}{})
	return nil
}

func toTransferInfos(recs []store.TransferRecord) []models.TransferInfo {
	out := make([]models.TransferInfo, len(recs))
	for i, rec := range recs {
		out[i] = models.TransferInfo{
			TransferID:       rec.TransferID,
			DeviceID:         rec.DeviceID,
			DeviceName:       rec.DeviceName,
			FileName:         rec.FileName,
			FilePath:         rec.FilePath,
			TotalSize:        rec.TotalSize,
			Direction:        rec.Direction,
			Status:           rec.Status,
			BytesTransferred: rec.BytesTransferred,
			FileHash:         rec.FileHash,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
		}
	}
	return out
}
