package models

// DeviceInfo is the shell-facing view of a device seen on the network,
// merging live roster state with persisted trust.
type DeviceInfo struct {
	DeviceID    string   `json:"device_id"`
	DeviceName  string   `json:"device_name"`
	Addresses   []string `json:"addresses"`
	ServicePort int      `json:"service_port"`
	LastSeen    int64    `json:"last_seen"`
	Trusted     bool     `json:"trusted"`
}

// TrustInfo is the shell-facing view of a TrustRecord.
type TrustInfo struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	PairedAt    int64  `json:"paired_at"`
}
