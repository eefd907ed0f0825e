package models

// TransferInfo is the shell-facing view of a TransferRecord.
type TransferInfo struct {
	TransferID       string `json:"transfer_id"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	FileName         string `json:"file_name"`
	FilePath         string `json:"file_path"`
	TotalSize        int64  `json:"total_size"`
	Direction        string `json:"direction"`
	Status           string `json:"status"`
	BytesTransferred int64  `json:"bytes_transferred"`
	FileHash         string `json:"file_hash,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// ProgressInfo is the payload of a transfer-progress event, rate-limited
// to at most 20 per second per transfer plus one per state change.
type ProgressInfo struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	BytesSent  int64  `json:"bytes_sent"`
	TotalBytes int64  `json:"total_bytes"`
	Direction  string `json:"direction"`
}

// StateChangeInfo is the payload of a transfer-state-changed event.
type StateChangeInfo struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}
