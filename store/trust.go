package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutTrust persists a TrustRecord, replacing any prior record for the
// same device_id (pairing may legitimately re-run after a fingerprint
// changes, but the invariant that at most one TrustRecord exists per
// device_id must hold).
func (s *Store) PutTrust(rec TrustRecord) error {
	if rec.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if rec.PeerPublicKeyFingerprint == "" {
		return errors.New("peer_public_key_fingerprint is required")
	}
	if rec.PairedAt == 0 {
		rec.PairedAt = nowUnix()
	}

	_, err := s.db.Exec(
		`INSERT INTO trust_records (device_id, peer_public_key_fingerprint, paired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			peer_public_key_fingerprint = excluded.peer_public_key_fingerprint,
			paired_at = excluded.paired_at`,
		rec.DeviceID,
		rec.PeerPublicKeyFingerprint,
		rec.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("put trust record %q: %w", rec.DeviceID, err)
	}
	return nil
}

// IsTrusted reports whether a TrustRecord exists for device_id. The
// Transfer Engine must call this at dispatch time, not rely on a
// UI-time check, per the pairing invariant.
func (s *Store) IsTrusted(deviceID string) (bool, error) {
	if deviceID == "" {
		return false, errors.New("device_id is required")
	}
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM trust_records WHERE device_id = ?`, deviceID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check trust for %q: %w", deviceID, err)
	}
	return true, nil
}

// GetTrust fetches the TrustRecord for a device, if any.
func (s *Store) GetTrust(deviceID string) (*TrustRecord, error) {
	row := s.db.QueryRow(
		`SELECT device_id, peer_public_key_fingerprint, paired_at
		FROM trust_records WHERE device_id = ?`,
		deviceID,
	)

	var rec TrustRecord
	if err := row.Scan(&rec.DeviceID, &rec.PeerPublicKeyFingerprint, &rec.PairedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust record %q: %w", deviceID, err)
	}
	return &rec, nil
}

// ListTrusted returns every currently trusted device_id.
func (s *Store) ListTrusted() ([]TrustRecord, error) {
	rows, err := s.db.Query(`SELECT device_id, peer_public_key_fingerprint, paired_at FROM trust_records ORDER BY paired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer rows.Close()

	out := make([]TrustRecord, 0)
	for rows.Next() {
		var rec TrustRecord
		if err := rows.Scan(&rec.DeviceID, &rec.PeerPublicKeyFingerprint, &rec.PairedAt); err != nil {
			return nil, fmt.Errorf("scan trust record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust record rows: %w", err)
	}
	return out, nil
}

// DeleteTrust removes a TrustRecord. Per spec, only explicit user action
// invokes this; the engine never revokes trust on its own.
func (s *Store) DeleteTrust(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	res, err := s.db.Exec(`DELETE FROM trust_records WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete trust record %q: %w", deviceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete trust %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
