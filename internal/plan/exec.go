// exec.go defines the executor contract between the scheduler and task
// bodies. Task bodies are opaque: the scheduler only sees Input and Result.
package plan

import (
	"context"
	"encoding/json"

	"github.com/sluice-dev/sluice/internal/session"
)

// Input is the read-only view a task executor receives: a snapshot of the
// shared context, the session's mode hint, and rejection feedback when the
// task is being regenerated.
type Input struct {
	SessionID string          `json:"session_id"`
	TaskName  string          `json:"task_name"`
	Wave      int             `json:"wave"`
	Mode      session.Mode    `json:"mode"`
	Context   session.Context `json:"context"`
	Feedback  string          `json:"feedback,omitempty"`
}

// Result is what a task executor returns: a human-readable narrative, the
// structured value merged into the shared context, and a cost figure for
// checkpoint accounting.
type Result struct {
	Narrative  string          `json:"narrative"`
	Structured json.RawMessage `json:"structured"`
	CostUnits  float64         `json:"cost_units,omitempty"`
}

// Executor runs one task body. Implementations must respect ctx
// cancellation and must not retain Input.Context past the call.
type Executor interface {
	Execute(ctx context.Context, in Input) (*Result, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Input) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}
