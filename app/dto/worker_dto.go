package dto

// WorkerStatusResponse merges live worker state with its account row
type WorkerStatusResponse struct {
	AccountID     uint    `json:"account_id"`
	AccountEmail  string  `json:"account_email,omitempty"`
	AccountStatus string  `json:"account_status,omitempty"`
	State         string  `json:"state"`
	Restarts      int     `json:"restarts"`
	Sent          int64   `json:"sent"`
	Failed        int64   `json:"failed"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	LastError     *string `json:"last_error,omitempty"`
	SentToday     int     `json:"sent_today"`
	DailyLimit    int     `json:"daily_limit"`
}

// PoolStatsResponse summarizes every supervised worker
type PoolStatsResponse struct {
	Workers    []WorkerStatusResponse `json:"workers"`
	Running    int                    `json:"running"`
	Restarting int                    `json:"restarting"`
	Failed     int                    `json:"failed"`
	Stopped    int                    `json:"stopped"`
	QueueDepth int64                  `json:"queue_depth"`
}

// PoolMetricsResponse reports pool throughput over the rolling window
type PoolMetricsResponse struct {
	WindowSeconds       int64   `json:"window_seconds"`
	Sent                int64   `json:"sent"`
	Failed              int64   `json:"failed"`
	ThroughputPerMinute float64 `json:"throughput_per_minute"`
	ErrorRate           float64 `json:"error_rate"`
}
