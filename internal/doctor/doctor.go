// SPDX-License-Identifier: MIT

// Package doctor runs preflight checks before a packaging run: network
// environment, filesystem, manifest and registry reachability.
package doctor

import (
	"context"
	"time"
)

// Status is the outcome of one check or of a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one checker.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates every checker outcome.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Result  `json:"checks"`
}

// Checker is one preflight probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Manager runs a fixed set of checkers and aggregates their results.
type Manager struct {
	checkers []Checker
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{checkers: make([]Checker, 0)}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Run executes every checker in order. Overall status is the worst
// individual status.
func (m *Manager) Run(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}

	for _, c := range m.checkers {
		res := c.Check(ctx)
		res.Name = c.Name()
		report.Results = append(report.Results, res)

		switch res.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// ExitCode maps a report status to a process exit code: 0 healthy,
// 1 degraded, 2 unhealthy.
func (r Report) ExitCode() int {
	switch r.Status {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
