package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type scanner interface {
	Scan(dest ...any) error
}

// UpsertDevice inserts a device row or, if one exists, refreshes its name,
// last_seen, service_port, and unions its address set. This is the single
// entry point discovery uses on every observed advertisement.
func (s *Store) UpsertDevice(rec DeviceRecord) error {
	if rec.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if rec.LastSeen == 0 {
		rec.LastSeen = nowUnix()
	}

	existing, err := s.GetDevice(rec.DeviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	addresses := rec.Addresses
	if existing != nil {
		addresses = unionAddresses(existing.Addresses, rec.Addresses)
	}

	_, err = s.db.Exec(
		`INSERT INTO devices (device_id, name, addresses, service_port, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			addresses = excluded.addresses,
			service_port = excluded.service_port,
			last_seen = excluded.last_seen`,
		rec.DeviceID,
		rec.Name,
		joinAddresses(addresses),
		rec.ServicePort,
		rec.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", rec.DeviceID, err)
	}

	return nil
}

// TouchDeviceSeen refreshes last_seen for an existing device without
// touching its other fields.
func (s *Store) TouchDeviceSeen(deviceID string, ts int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	res, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE device_id = ?`, ts, deviceID)
	if err != nil {
		return fmt.Errorf("touch device seen %q: %w", deviceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch device seen %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice fetches a device by device ID.
func (s *Store) GetDevice(deviceID string) (*DeviceRecord, error) {
	row := s.db.QueryRow(
		`SELECT device_id, name, addresses, service_port, last_seen
		FROM devices WHERE device_id = ?`,
		deviceID,
	)

	rec, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}
	return rec, nil
}

// ListDevices returns every known device, most recently seen first.
func (s *Store) ListDevices() ([]DeviceRecord, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, addresses, service_port, last_seen
		FROM devices ORDER BY last_seen DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]DeviceRecord, 0)
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func scanDevice(row scanner) (*DeviceRecord, error) {
	var (
		rec       DeviceRecord
		addresses string
	)
	if err := row.Scan(&rec.DeviceID, &rec.Name, &addresses, &rec.ServicePort, &rec.LastSeen); err != nil {
		return nil, err
	}
	rec.Addresses = splitAddresses(addresses)
	return &rec, nil
}

func joinAddresses(addrs []string) string {
	return strings.Join(addrs, ",")
}

func splitAddresses(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func unionAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, addr := range existing {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, addr := range incoming {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
