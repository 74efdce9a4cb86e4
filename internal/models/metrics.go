package models

// SyncHealthMetrics summarizes sync history over a time window, optionally
// scoped to one store.
type SyncHealthMetrics struct {
	Summary  SyncHealthSummary  `json:"summary"`
	ByStatus map[SyncStatus]int `json:"by_status"`
	ByType   map[SyncType]int   `json:"by_type"`
}

type SyncHealthSummary struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Conflicts     int     `json:"conflicts"`
	SuccessRate   float64 `json:"success_rate"`
	AvgRetryCount float64 `json:"avg_retry_count"`
}
