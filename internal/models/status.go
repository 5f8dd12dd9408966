package models

import "time"

// SchedulerState is the lifecycle state of the sync scheduler.
type SchedulerState string

const (
	StateStopped SchedulerState = "stopped"
	StateRunning SchedulerState = "running"
	StateSyncing SchedulerState = "syncing"
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	Trigger          string         `json:"trigger"`
	StartedAt        time.Time      `json:"started_at"`
	DurationMs       int64          `json:"duration_ms"`
	SalesSynced      int            `json:"sales_synced"`
	SalesFailed      int            `json:"sales_failed"`
	SalesFrozen      int            `json:"sales_frozen"`
	DownloadSuccess  bool           `json:"download_success"`
	CountsByEntity   map[string]int `json:"counts_by_entity,omitempty"`
	FailedTables     []string       `json:"failed_tables,omitempty"`
	VerificationOK   bool           `json:"verification_ok"`
	VerificationNote string         `json:"verification_note,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
}

// SyncStatus is the scheduler's published view of background sync activity.
type SyncStatus struct {
	State           SchedulerState `json:"state"`
	IsSyncing       bool           `json:"is_syncing"`
	IsOnline        bool           `json:"is_online"`
	LastSyncTime    *time.Time     `json:"last_sync_time"`
	LastSyncSuccess bool           `json:"last_sync_success"`
	NextSyncTime    *time.Time     `json:"next_sync_time"`
	SyncIntervalMs  int64          `json:"sync_interval_ms"`
	Error           *string        `json:"error"`
	LastCycle       *CycleReport   `json:"last_cycle,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (s SyncStatus) Clone() SyncStatus {
	c := s
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		c.LastSyncTime = &t
	}
	if s.NextSyncTime != nil {
		t := *s.NextSyncTime
		c.NextSyncTime = &t
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.LastCycle != nil {
		r := *s.LastCycle
		if s.LastCycle.CountsByEntity != nil {
			r.CountsByEntity = make(map[string]int, len(s.LastCycle.CountsByEntity))
			for k, v := range s.LastCycle.CountsByEntity {
				r.CountsByEntity[k] = v
			}
		}
		r.FailedTables = append([]string(nil), s.LastCycle.FailedTables...)
		r.Errors = append([]string(nil), s.LastCycle.Errors...)
		c.LastCycle = &r
	}
	return c
}
