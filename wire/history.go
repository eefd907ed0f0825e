package wire

// HistReq requests transfer-history rows updated after since_ts,
// continuing from an optional pagination cursor.
type HistReq struct {
	SinceTS uint64
	Cursor  string
}

// Encode serializes a HIST_REQ frame.
func (h HistReq) Encode() Frame {
	var b buffer
	b.writeUint64(h.SinceTS)
	b.writeString16(h.Cursor)
	return Frame{Tag: TagHistReq, Payload: b.buf}
}

// DecodeHistReq parses a HIST_REQ payload.
func DecodeHistReq(payload []byte) (HistReq, error) {
	c := newCursor(payload)
	sinceTS, err := c.readUint64()
	if err != nil {
		return HistReq{}, err
	}
	cursor, err := c.readString16()
	if err != nil {
		return HistReq{}, err
	}
	return HistReq{SinceTS: sinceTS, Cursor: cursor}, nil
}

// HistoryRow mirrors TransferRecord's field order for wire transport.
type HistoryRow struct {
	TransferID       string
	DeviceID         string
	DeviceName       string
	FileName         string
	FilePath         string
	TotalSize        uint64
	Direction        string
	Status           string
	BytesTransferred uint64
	FileHash         string
	CreatedAt        uint64
	UpdatedAt        uint64
}

func (row HistoryRow) encode(b *buffer) error {
	if err := b.writeUUID(row.TransferID); err != nil {
		return err
	}
	if err := b.writeUUID(row.DeviceID); err != nil {
		return err
	}
	b.writeString16(row.DeviceName)
	b.writeString16(row.FileName)
	b.writeString16(row.FilePath)
	b.writeUint64(row.TotalSize)
	b.writeString8(row.Direction)
	b.writeString8(row.Status)
	b.writeUint64(row.BytesTransferred)
	b.writeString8(row.FileHash)
	b.writeUint64(row.CreatedAt)
	b.writeUint64(row.UpdatedAt)
	return nil
}

func decodeHistoryRow(c *cursor) (HistoryRow, error) {
	var row HistoryRow
	var err error
	if row.TransferID, err = c.readUUID(); err != nil {
		return HistoryRow{}, err
	}
	if row.DeviceID, err = c.readUUID(); err != nil {
		return HistoryRow{}, err
	}
	if row.DeviceName, err = c.readString16(); err != nil {
		return HistoryRow{}, err
	}
	if row.FileName, err = c.readString16(); err != nil {
		return HistoryRow{}, err
	}
	if row.FilePath, err = c.readString16(); err != nil {
		return HistoryRow{}, err
	}
	if row.TotalSize, err = c.readUint64(); err != nil {
		return HistoryRow{}, err
	}
	if row.Direction, err = c.readString8(); err != nil {
		return HistoryRow{}, err
	}
	if row.Status, err = c.readString8(); err != nil {
		return HistoryRow{}, err
	}
	if row.BytesTransferred, err = c.readUint64(); err != nil {
		return HistoryRow{}, err
	}
	if row.FileHash, err = c.readString8(); err != nil {
		return HistoryRow{}, err
	}
	if row.CreatedAt, err = c.readUint64(); err != nil {
		return HistoryRow{}, err
	}
	if row.UpdatedAt, err = c.readUint64(); err != nil {
		return HistoryRow{}, err
	}
	return row, nil
}

// HistPage is one page of history rows plus an optional continuation cursor.
type HistPage struct {
	Rows       []HistoryRow
	NextCursor string
}

// Encode serializes a HIST_PAGE frame.
func (h HistPage) Encode() (Frame, error) {
	var b buffer
	b.writeUint16(uint16(len(h.Rows)))
	for _, row := range h.Rows {
		if err := row.encode(&b); err != nil {
			return Frame{}, err
		}
	}
	b.writeString16(h.NextCursor)
	return Frame{Tag: TagHistPage, Payload: b.buf}, nil
}

// DecodeHistPage parses a HIST_PAGE payload.
func DecodeHistPage(payload []byte) (HistPage, error) {
	c := newCursor(payload)
	rowCount, err := c.readUint16()
	if err != nil {
		return HistPage{}, err
	}
	rows := make([]HistoryRow, 0, rowCount)
	for i := 0; i < int(rowCount); i++ {
		row, err := decodeHistoryRow(c)
		if err != nil {
			return HistPage{}, err
		}
		rows = append(rows, row)
	}
	nextCursor, err := c.readString16()
	if err != nil {
		return HistPage{}, err
	}
	return HistPage{Rows: rows, NextCursor: nextCursor}, nil
}
