package domain

import "time"

// DeathMode selects how a running TaskExecution is judged alive or dead.
type DeathMode string

const (
	// DeathModeKeepAlive judges liveness by the age of the last heartbeat.
	DeathModeKeepAlive DeathMode = "KEEP_ALIVE"
	// DeathModeOverride judges liveness by a fixed timeout since start.
	DeathModeOverride DeathMode = "OVERRIDE"
)

// Valid reports whether m is a known death-detection mode.
func (m DeathMode) Valid() bool {
	return m == DeathModeKeepAlive || m == DeathModeOverride
}

// TaskDefinition identifies a logical unit of recurring work.
type TaskDefinition struct {
	ID            int64      `json:"id"`
	Application   string     `json:"application"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCleanedAt *time.Time `json:"last_cleaned_at,omitempty"`
}

// TaskExecution is one run of a TaskDefinition.
type TaskExecution struct {
	ID                      int64         `json:"id"`
	TaskDefinitionID        int64         `json:"task_definition_id"`
	StartedAt               time.Time     `json:"started_at"`
	CompletedAt             *time.Time    `json:"completed_at,omitempty"`
	LastKeepAlive           time.Time     `json:"last_keep_alive"`
	Mode                    DeathMode     `json:"death_mode"`
	KeepAliveInterval       time.Duration `json:"keep_alive_interval,omitempty"`
	KeepAliveDeathThreshold time.Duration `json:"keep_alive_death_threshold,omitempty"`
	OverrideThreshold       time.Duration `json:"override_threshold,omitempty"`
	Failed                  bool          `json:"failed"`
	Blocked                 bool          `json:"blocked"`
	ReferenceValue          string        `json:"reference_value,omitempty"`
	Header                  []byte        `json:"header,omitempty"`
	TokenID                 string        `json:"token_id,omitempty"`
	ServerName              string        `json:"server_name,omitempty"`
}

// IsDead applies the liveness predicate of the execution's own death mode.
//
//	OVERRIDE:   StartedAt < now - OverrideThreshold
//	KEEP_ALIVE: now - LastKeepAlive > KeepAliveDeathThreshold
func (e TaskExecution) IsDead(now time.Time) bool {
	switch e.Mode {
	case DeathModeOverride:
		return e.StartedAt.Before(now.Add(-e.OverrideThreshold))
	case DeathModeKeepAlive:
		return now.Sub(e.LastKeepAlive) > e.KeepAliveDeathThreshold
	default:
		return false
	}
}

// IsCompleted reports whether the run has recorded its completion.
func (e TaskExecution) IsCompleted() bool { return e.CompletedAt != nil }

// EventType classifies a diagnostic event recorded against a TaskExecution.
type EventType string

const (
	EventStart      EventType = "START"
	EventCheckpoint EventType = "CHECKPOINT"
	EventError      EventType = "ERROR"
	EventEnd        EventType = "END"
	EventBlocked    EventType = "BLOCKED"
)

// Event is a diagnostic record attached to a TaskExecution.
type Event struct {
	ID              int64     `json:"id"`
	TaskExecutionID int64     `json:"task_execution_id"`
	Type            EventType `json:"type"`
	Message         string    `json:"message,omitempty"`
	At              time.Time `json:"at"`
}
