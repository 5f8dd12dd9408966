package models

import "time"

// TableStatus describes the outcome of the most recent download for one table.
type TableStatus string

const (
	TableStatusOK        TableStatus = "ok"
	TableStatusFailed    TableStatus = "failed"
	TableStatusUnchanged TableStatus = "unchanged"
)

// TableMeta records what is resident locally for one reference table.
// Count and UpdatedAt always describe the resident payload, which for a failed
// or unchanged table is the one kept from an earlier download.
type TableMeta struct {
	Count     int         `json:"count"`
	Resident  bool        `json:"resident"`
	UpdatedAt *time.Time  `json:"updated_at,omitempty"`
	Status    TableStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
}

// DownloadMetadata describes the snapshot currently resident in the local store.
type DownloadMetadata struct {
	Timestamp          time.Time            `json:"timestamp"`
	DownloadDurationMs int64                `json:"download_duration_ms"`
	CountsByEntity     map[string]int       `json:"counts_by_entity"`
	Tables             map[string]TableMeta `json:"tables"`
	Partial            bool                 `json:"partial"`
}

// Clone returns a deep copy of the metadata.
func (m *DownloadMetadata) Clone() *DownloadMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.CountsByEntity = make(map[string]int, len(m.CountsByEntity))
	for k, v := range m.CountsByEntity {
		c.CountsByEntity[k] = v
	}
	c.Tables = make(map[string]TableMeta, len(m.Tables))
	for k, v := range m.Tables {
		c.Tables[k] = v
	}
	return &c
}

// Progress is reported while a snapshot download walks the table list.
type Progress struct {
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	CurrentTask string `json:"current_task"`
	Percentage  int    `json:"percentage"`
}
