package client

import "time"

// ServiceStatus is one row of GET /status.
type ServiceStatus struct {
	Service    string    `json:"service"`
	Port       int       `json:"port"`
	PortOpen   bool      `json:"port_open"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind"`
	ID         string    `json:"id,omitempty"`
	LaunchedAt time.Time `json:"launched_at,omitempty"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
}

// HealthResult is the health detail attached to an outcome.
type HealthResult struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Attempts int    `json:"attempts"`
}

// Outcome is the result of one operation on one service.
type Outcome struct {
	Service string        `json:"service"`
	Action  string        `json:"action"`
	State   string        `json:"state"`
	ID      string        `json:"id,omitempty"`
	Health  *HealthResult `json:"health,omitempty"`
	Error   string        `json:"error,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
}

// Summary is the body of POST /start, POST /stop and GET /health.
type Summary struct {
	OK       bool      `json:"ok"`
	Action   string    `json:"action"`
	Outcomes []Outcome `json:"outcomes"`
	Swept    []int     `json:"swept,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
