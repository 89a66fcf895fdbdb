// Package session provides SQLite-backed persistence for orchestration
// sessions: metadata, the shared context, checkpoint records, and the
// terminal artifact.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoArtifact         = errors.New("terminal artifact not available")
)

// Status is the lifecycle state of a session. Both completed and failed
// are terminal.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Mode is a depth/cost hint passed through to task executors. The
// scheduler itself treats it as opaque.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeDeep     Mode = "deep"
)

// ParseMode validates a mode string from the API or CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFast, ModeBalanced, ModeDeep:
		return Mode(s), nil
	}
	return "", errors.New("unknown mode: " + s)
}

// Session represents one orchestration run.
type Session struct {
	ID                string    `json:"id"`
	Plan              string    `json:"plan"`
	Mode              Mode      `json:"mode"`
	Status            Status    `json:"status"`
	CurrentWave       int       `json:"current_wave"`
	CurrentCheckpoint int       `json:"current_checkpoint"`
	ApprovedThrough   int       `json:"approved_through"`
	TotalCheckpoints  int       `json:"total_checkpoints"`
	Regenerations     int       `json:"regenerations"`
	Failure           string    `json:"failure,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Terminal reports whether the session can no longer change state.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// CheckpointStatus is the approval state of a checkpoint. A checkpoint is
// rejected only transiently, while its task is being regenerated.
type CheckpointStatus string

const (
	CheckpointAwaitingApproval CheckpointStatus = "awaiting_approval"
	CheckpointApproved         CheckpointStatus = "approved"
	CheckpointRejected         CheckpointStatus = "rejected"
)

// Checkpoint is the durable record of one task's result pending or given
// approval. Numbers are 1-based and dense within a session.
type Checkpoint struct {
	SessionID string           `json:"session_id"`
	Number    int              `json:"number"`
	TaskName  string           `json:"task_name"`
	Wave      int              `json:"wave"`
	Status    CheckpointStatus `json:"status"`
	Output    Output           `json:"output"`
	Feedback  string           `json:"feedback,omitempty"`
	Metadata  Metadata         `json:"metadata"`
}

// Output is what a task executor hands back: a human-readable narrative
// plus the structured value later waves read from the shared context.
type Output struct {
	Narrative  string          `json:"narrative"`
	Structured json.RawMessage `json:"structured"`
}

// Metadata records accounting details for a checkpoint.
type Metadata struct {
	CreatedAt       time.Time `json:"created_at"`
	CostUnits       float64   `json:"cost_units"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Context is the shared knowledge base: task name to that task's structured
// output. Keys are written once per task by the scheduler; later waves read
// them and never mutate them.
type Context map[string]json.RawMessage

// Clone returns an independent copy safe to hand to concurrent readers.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
