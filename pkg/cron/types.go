package cron

import (
	"context"
	"time"
)

// Schedule is a 5-field cron expression with an optional time zone
type Schedule struct {
	Expr string `json:"expr"`
	TZ   string `json:"tz,omitempty"`
}

// JobFunc is the work run on every tick. A non-nil error marks the run failed.
type JobFunc func(ctx context.Context) error

// JobState tracks runtime state of the scheduled job
type JobState struct {
	Running           bool          `json:"running"`
	Runs              int           `json:"runs"`
	LastRunAt         time.Time     `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
	EventActionSkipped  EventAction = "skipped"
)

// Event represents a scheduler event
type Event struct {
	Action   EventAction   `json:"action"`
	Status   string        `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	NextRun  time.Time     `json:"nextRun,omitempty"`
}

// ServiceOptions configures the scheduler service
type ServiceOptions struct {
	Name       string           // used in logs
	Schedule   Schedule         // when to run
	Job        JobFunc          // what to run
	RunOnStart bool             // also run once right after Start
	OnEvent    func(evt Event)  // optional event callback
	Now        func() time.Time // default time.Now
}
