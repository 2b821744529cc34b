package model

import (
	"sort"
	"time"
)

// SyncReport counts the outcome of a synchronization pass. Total always
// equals Success + Failed.
type SyncReport struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// AllFailed is the report of a pass whose batch transaction was rolled back.
func AllFailed(total int) SyncReport {
	return SyncReport{Failed: total, Total: total}
}

// Merge adds o's counts to r.
func (r SyncReport) Merge(o SyncReport) SyncReport {
	return SyncReport{
		Success: r.Success + o.Success,
		Failed:  r.Failed + o.Failed,
		Total:   r.Total + o.Total,
	}
}

// Statistics summarizes the stored institutions.
type Statistics struct {
	Total         int            `json:"total"`
	ByServiceType map[string]int `json:"by_service_type"`
}

// ServiceTypes returns the keys of ByServiceType sorted by descending count,
// then by name.
func (s Statistics) ServiceTypes() []string {
	keys := make([]string, 0, len(s.ByServiceType))
	for k := range s.ByServiceType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := s.ByServiceType[keys[i]], s.ByServiceType[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// CoordinateStats reports how many institutions have been located.
type CoordinateStats struct {
	Total              int     `json:"total"`
	WithCoordinates    int     `json:"with_coordinates"`
	WithoutCoordinates int     `json:"without_coordinates"`
	CompletionRate     float64 `json:"completion_rate"`
}

// NewCoordinateStats derives the remaining counts and the completion
// percentage from total and located.
func NewCoordinateStats(total, located int) CoordinateStats {
	s := CoordinateStats{Total: total, WithCoordinates: located, WithoutCoordinates: total - located}
	if total > 0 {
		s.CompletionRate = float64(located) * 100 / float64(total)
	}
	return s
}

// HistoryStats summarizes the change history.
type HistoryStats struct {
	Institutions  int       `json:"institutions"`
	HistoryRows   int       `json:"history_rows"`
	RecentChanges int       `json:"recent_changes"`
	Since         time.Time `json:"since"`
}

// RunStatus is the state of a recorded synchronization run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// SyncRun is one entry of the run log.
type SyncRun struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Report      SyncReport `json:"report"`
	Error       string     `json:"error,omitempty"`
}
