package domain

import "time"

// Allowance is the outcome of a per-minute API request limiter check
type Allowance struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}
