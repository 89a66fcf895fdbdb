// Package event carries session lifecycle events: fan-out to live
// observers via the Hub, and a durable JSONL journal.
package event

import "time"

// Event type constants. These are the wire names observers see.
const (
	WaveStarted     = "wave_started"
	AgentStarted    = "agent_started"
	AgentCompleted  = "agent_completed"
	CheckpointReady = "checkpoint_ready"
	WaveComplete    = "wave_complete"
	SessionComplete = "session_complete"
	Error           = "error"
)

// Event is a single lifecycle event. One flat shape covers every type;
// unused fields are omitted from the JSON encoding.
type Event struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Wave       int       `json:"wave,omitempty"`
	NextWave   int       `json:"next_wave,omitempty"`
	TaskName   string    `json:"task_name,omitempty"`
	TaskNames  []string  `json:"task_names,omitempty"`
	Checkpoint int       `json:"checkpoint_number,omitempty"`
	Message    string    `json:"message,omitempty"`
}
