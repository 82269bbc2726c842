package domain

import "time"

// UsageRecord is one gated request. Records are append-only.
type UsageRecord struct {
	ID             string    `json:"id"`
	APIKeyID       string    `json:"api_key_id"`
	UserID         string    `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// IsError reports whether the record counts towards the error rate.
func (r *UsageRecord) IsError() bool {
	return r.StatusCode >= 400
}

type EndpointStats struct {
	Endpoint       string  `json:"endpoint"`
	Method         string  `json:"method"`
	Count          int64   `json:"count"`
	AverageLatency float64 `json:"average_latency"`
	ErrorCount     int64   `json:"error_count"`
}

type UsageStats struct {
	TotalRequests     int64           `json:"total_requests"`
	RequestsToday     int64           `json:"requests_today"`
	RequestsThisWeek  int64           `json:"requests_this_week"`
	RequestsThisMonth int64           `json:"requests_this_month"`
	LastUsed          *time.Time      `json:"last_used,omitempty"`
	AverageLatency    float64         `json:"average_latency"` // milliseconds, rounded
	ErrorRate         float64         `json:"error_rate"`      // percent, two decimals
	TopEndpoints      []EndpointStats `json:"top_endpoints"`
	StatusCodes       map[int]int64   `json:"status_codes"`
}

// DailyUsage is one calendar-day (UTC) bucket. Date is formatted YYYY-MM-DD.
type DailyUsage struct {
	Date           string  `json:"date"`
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	AverageLatency float64 `json:"average_latency"`
}
