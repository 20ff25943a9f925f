package models

import "time"

// Check is the result of one preflight check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type HealthResponse struct {
	Status              string        `json:"status"`
	APILevel            int           `json:"api_level"`
	PreferredUpdateRate time.Duration `json:"preferred_update_rate_ns"`
	Sessions            int           `json:"sessions"`
	MaxBoost            int           `json:"max_boost"`
	Journal             bool          `json:"journal"`
	Checks              []Check       `json:"checks"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
