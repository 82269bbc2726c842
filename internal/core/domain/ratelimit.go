package domain

import "time"

// Window names a rate-limit counting period. It is part of the store key.
type Window string

const (
	WindowDaily  Window = "daily"
	WindowMinute Window = "minute"
)

// RateLimitConfig carries the limits enforced for one identifier.
// Zero RequestsPerMinute or ConcurrentRequests disables that gate.
type RateLimitConfig struct {
	RequestsPerDay     int
	RequestsPerMinute  int
	ConcurrentRequests int
}

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	Window    Window    `json:"window"`
}

// Counter is the stored state of one identifier/window pair.
// A zero ResetAt means the counter does not exist, which is equivalent to Count == 0.
type Counter struct {
	Count   int64
	ResetAt time.Time
}

// Exists reports whether the counter is live at now.
func (c Counter) Exists(now time.Time) bool {
	return !c.ResetAt.IsZero() && now.Before(c.ResetAt)
}

// Clock abstracts time.Now so window boundaries can be tested.
type Clock func() time.Time

// NextMidnightUTC returns the first 00:00 UTC strictly after t.
func NextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// StartOfDayUTC truncates t to 00:00 UTC of the same calendar day.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
