package api

// StartRequest begins a session. Plan defaults to the configured default
// plan, mode to balanced.
type StartRequest struct {
	Plan string `json:"plan,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// StartResponse reports the newly created session. Status is always
// "wave_1_started"; the first wave is already running when this is sent.
type StartResponse struct {
	SessionID        string `json:"session_id"`
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	TotalCheckpoints int    `json:"total_checkpoints"`
}

// Progress counts approved checkpoints against the session total.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// StatusResponse is the session position snapshot.
type StatusResponse struct {
	SessionID         string   `json:"session_id"`
	Plan              string   `json:"plan"`
	Mode              string   `json:"mode"`
	Status            string   `json:"status"`
	CurrentWave       int      `json:"current_wave"`
	CurrentCheckpoint int      `json:"current_checkpoint"`
	ApprovedThrough   int      `json:"approved_through"`
	Regenerations     int      `json:"regenerations"`
	Progress          Progress `json:"progress"`
	Failure           string   `json:"failure,omitempty"`
}

// ApproveRequest approves one checkpoint. Approvals must arrive in
// sequence.
type ApproveRequest struct {
	CheckpointNumber int `json:"checkpoint_number"`
}

// ApproveResponse acknowledges an approval. NextCheckpoint is always the
// approved number plus one, even after the final checkpoint.
type ApproveResponse struct {
	Message        string `json:"message"`
	NextCheckpoint int    `json:"next_checkpoint"`
	Status         string `json:"status"`
}

// RejectRequest records feedback against one checkpoint.
type RejectRequest struct {
	CheckpointNumber int    `json:"checkpoint_number"`
	Feedback         string `json:"feedback"`
}

// RejectResponse acknowledges a rejection. Status is "regenerating" when
// the task is being re-run, "continuing" when the feedback was recorded
// and the session moved on.
type RejectResponse struct {
	Message          string `json:"message"`
	CheckpointNumber int    `json:"checkpoint_number"`
	Status           string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
