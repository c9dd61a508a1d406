package history

import (
	"time"

	"hostpanel/runner"
)

// Status is the computed state of a recorded run.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	// StatusUnknown marks a run recorded as started whose completion was never
	// written, typically because the server went away mid-run.
	StatusUnknown Status = "unknown"
)

// Record holds the persisted metadata for one run.
type Record struct {
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Dir       string          `json:"dir,omitempty"`
	Meta      runner.Metadata `json:"meta,omitempty"`
	PID       int             `json:"pid,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	ExitedAt  *time.Time      `json:"exited_at,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	LogPath   string          `json:"log_path,omitempty"`
}

// View extends Record with a computed Status field.
type View struct {
	Record
	Status Status `json:"status"`
}

// Filter controls which runs are returned by List.
type Filter struct {
	// ExitedSince limits exited and failed runs to those that finished within
	// this window. Running and unknown runs are always included. Zero means no
	// filtering.
	ExitedSince time.Duration

	// Meta keeps only runs whose metadata contains every pair.
	Meta map[string]string

	// Limit caps the number of views returned, newest first. Zero means no limit.
	Limit int
}
