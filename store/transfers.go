package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// InsertTransfer creates the first row for a transfer, at first byte
// intent, per spec's TransferRecord lifecycle.
func (s *Store) InsertTransfer(rec TransferRecord) error {
	if rec.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if rec.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validateDirection(rec.Direction); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if err := validateStatus(rec.Status); err != nil {
		return err
	}
	now := nowUnix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id, device_id, device_name, file_name, file_path,
			total_size, direction, status, bytes_transferred, file_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransferID, rec.DeviceID, rec.DeviceName, rec.FileName, rec.FilePath,
		rec.TotalSize, rec.Direction, rec.Status, rec.BytesTransferred, rec.FileHash,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", rec.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus advances a transfer's status/progress. hash, when
// non-nil, sets file_hash (used once the content digest becomes known).
func (s *Store) UpdateTransferStatus(transferID, status string, bytesTransferred int64, hash *string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	query := `UPDATE transfers SET status = ?, bytes_transferred = ?, updated_at = ?`
	args := []any{status, bytesTransferred, nowUnix()}
	if hash != nil {
		query += `, file_hash = ?`
		args = append(args, *hash)
	}
	query += ` WHERE transfer_id = ?`
	args = append(args, transferID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update transfer status %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches a single transfer row by id.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	row := s.db.QueryRow(transferSelectColumns+` FROM transfers WHERE transfer_id = ?`, transferID)
	rec, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return rec, nil
}

// ListTransfers returns transfer history, most recently updated first,
// optionally narrowed by filter.
func (s *Store) ListTransfers(limit int, filter *TransferFilter) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := transferSelectColumns + ` FROM transfers`
	var args []any
	var clauses []string
	if filter != nil {
		if filter.Status != "" {
			clauses = append(clauses, "status = ?")
			args = append(args, filter.Status)
		}
		if filter.Direction != "" {
			clauses = append(clauses, "direction = ?")
			args = append(args, filter.Direction)
		}
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += ` ORDER BY updated_at DESC, transfer_id LIMIT ?`
	args = append(args, limit)

	return s.queryTransfers(query, args...)
}

// ListTransfersForDevice returns transfer history for one peer device,
// most recently updated first.
func (s *Store) ListTransfersForDevice(deviceID string, limit int) ([]TransferRecord, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	query := transferSelectColumns + ` FROM transfers WHERE device_id = ? ORDER BY updated_at DESC, transfer_id LIMIT ?`
	return s.queryTransfers(query, deviceID, limit)
}

// ListTransfersForDeviceSince returns up to limit+1 rows for deviceID
// with updated_at > sinceTS, ordered for stable pagination, starting
// after offset rows. The reconciler uses the extra row to decide
// whether a next page exists without a second round trip.
func (s *Store) ListTransfersForDeviceSince(deviceID string, sinceTS int64, offset, limit int) ([]TransferRecord, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	query := transferSelectColumns + ` FROM transfers
		WHERE device_id = ? AND updated_at > ?
		ORDER BY updated_at ASC, transfer_id ASC
		LIMIT ? OFFSET ?`
	return s.queryTransfers(query, deviceID, sinceTS, limit+1, offset)
}

// MaxUpdatedAtForDevice returns the largest updated_at among local rows
// for deviceID, or 0 if none exist. The history reconciler uses this as
// since_ts so a sync only asks the peer for rows newer than what is
// already known locally.
func (s *Store) MaxUpdatedAtForDevice(deviceID string) (int64, error) {
	if deviceID == "" {
		return 0, errors.New("device_id is required")
	}
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(updated_at) FROM transfers WHERE device_id = ?`, deviceID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max updated_at for %q: %w", deviceID, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// ClearHistory deletes all transfer history rows. Devices and trust
// records are untouched.
func (s *Store) ClearHistory() error {
	if _, err := s.db.Exec(`DELETE FROM transfers`); err != nil {
		return fmt.Errorf("clear transfer history: %w", err)
	}
	return nil
}

// UpsertTransfersBatch merges a page of remote transfer rows in one
// atomic transaction, applying the history reconciler's merge rule:
// greater updated_at wins; on tie prefer a terminal status; on both
// terminal prefer completed over failed/cancelled. Crash-safe per page.
func (s *Store) UpsertTransfersBatch(rows []TransferRecord) (merged int, err error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin reconciliation batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, incoming := range rows {
		existingRow := tx.QueryRow(transferSelectColumns+` FROM transfers WHERE transfer_id = ?`, incoming.TransferID)
		existing, getErr := scanTransfer(existingRow)
		if getErr != nil && !errors.Is(getErr, sql.ErrNoRows) {
			return merged, fmt.Errorf("read existing transfer %q: %w", incoming.TransferID, getErr)
		}

		if existing == nil {
			if _, err := tx.Exec(
				`INSERT INTO transfers (
					transfer_id, device_id, device_name, file_name, file_path,
					total_size, direction, status, bytes_transferred, file_hash,
					created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				incoming.TransferID, incoming.DeviceID, incoming.DeviceName, incoming.FileName, incoming.FilePath,
				incoming.TotalSize, incoming.Direction, incoming.Status, incoming.BytesTransferred, incoming.FileHash,
				incoming.CreatedAt, incoming.UpdatedAt,
			); err != nil {
				return merged, fmt.Errorf("insert reconciled transfer %q: %w", incoming.TransferID, err)
			}
			merged++
			continue
		}

		if !shouldReplace(*existing, incoming) {
			continue
		}

		if _, err := tx.Exec(
			`UPDATE transfers SET
				device_name = ?, file_name = ?, file_path = ?, total_size = ?,
				direction = ?, status = ?, bytes_transferred = ?, file_hash = ?, updated_at = ?
			WHERE transfer_id = ?`,
			incoming.DeviceName, incoming.FileName, incoming.FilePath, incoming.TotalSize,
			incoming.Direction, incoming.Status, incoming.BytesTransferred, incoming.FileHash, incoming.UpdatedAt,
			incoming.TransferID,
		); err != nil {
			return merged, fmt.Errorf("update reconciled transfer %q: %w", incoming.TransferID, err)
		}
		merged++
	}

	if err := tx.Commit(); err != nil {
		return merged, fmt.Errorf("commit reconciliation batch: %w", err)
	}
	return merged, nil
}

// shouldReplace implements the history reconciler merge rule of spec
// §4.8: greater updated_at wins; tie prefers a terminal status; both
// terminal prefers completed over failed/cancelled.
func shouldReplace(existing, incoming TransferRecord) bool {
	if incoming.UpdatedAt != existing.UpdatedAt {
		return incoming.UpdatedAt > existing.UpdatedAt
	}

	existingTerminal := IsTerminal(existing.Status)
	incomingTerminal := IsTerminal(incoming.Status)
	if existingTerminal != incomingTerminal {
		return incomingTerminal
	}
	if existingTerminal && incomingTerminal {
		return statusRank(incoming.Status) > statusRank(existing.Status)
	}
	return false
}

func statusRank(status string) int {
	if status == StatusCompleted {
		return 1
	}
	return 0
}

const transferSelectColumns = `SELECT
	transfer_id, device_id, device_name, file_name, file_path,
	total_size, direction, status, bytes_transferred, file_hash,
	created_at, updated_at`

func (s *Store) queryTransfers(query string, args ...any) ([]TransferRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	out := make([]TransferRecord, 0)
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var rec TransferRecord
	if err := row.Scan(
		&rec.TransferID, &rec.DeviceID, &rec.DeviceName, &rec.FileName, &rec.FilePath,
		&rec.TotalSize, &rec.Direction, &rec.Status, &rec.BytesTransferred, &rec.FileHash,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
