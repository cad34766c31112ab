// Package health probes the infrastructure PureBoot depends on: the
// staging backends, image mirrors, and anything else a boot would
// stall on. Probe results feed the component health surfaced at
// /healthz and /readyz.
package health

import (
	"context"
	"time"
)

// CheckType identifies the kind of probe.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is one probe against an external dependency.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config holds probe timing.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Retries is the number of consecutive failures before a
	// dependency is reported unhealthy. A single dropped packet
	// should not flip readiness.
	Retries int
}

// DefaultConfig returns probe timing suited to LAN dependencies.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status accumulates probe results for one dependency.
type Status struct {
	ConsecutiveFailures int
	LastCheck           time.Time
	LastResult          Result
	Healthy             bool
}

// NewStatus starts healthy; a dependency is innocent until probed.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds one probe result into the status.
func (s *Status) Update(result Result, cfg Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Healthy = false
	}
}
