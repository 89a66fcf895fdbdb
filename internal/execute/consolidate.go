// consolidate.go produces the session's terminal artifact once every wave
// has cleared its checkpoints.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/plan"
	"github.com/sluice-dev/sluice/internal/session"
)

// consolidate runs the final task behind one last checkpoint, then
// persists its approved output as the artifact and completes the session.
func (s *Scheduler) consolidate(ctx context.Context, sess *session.Session, p *plan.Plan, kb session.Context) error {
	number := p.TotalCheckpoints()

	cp, err := s.store.GetCheckpoint(sess.ID, number)
	if err != nil {
		return err
	}

	switch {
	case cp != nil && cp.Status == session.CheckpointApproved:
		// A crash landed between approval and completion; finish up below.
	case cp != nil && cp.Status == session.CheckpointAwaitingApproval:
		if err := s.await(ctx, sess, number); err != nil {
			return err
		}
	default:
		// No checkpoint, or a rejected one whose regeneration was cut off.
		// A rejected redo replays its feedback.
		var feedback string
		if cp != nil && cp.Feedback != "" {
			feedback = cp.Feedback
			fb, _ := json.Marshal(feedback)
			kb[p.FinalName()+feedbackSuffix] = fb
		}
		if err := s.runConsolidation(ctx, sess, p, kb, number, feedback); err != nil {
			return err
		}
	}

	// The consolidation output, as approved, is the terminal artifact.
	cp, err = s.store.GetCheckpoint(sess.ID, number)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("checkpoint %d: %w", number, session.ErrCheckpointNotFound)
	}
	if err := s.store.SaveArtifact(sess.ID, cp.Output.Structured); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}

	sess.Status = session.StatusCompleted
	if err := s.store.MarkCompleted(sess.ID); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	s.publish(event.Event{Type: event.SessionComplete, SessionID: sess.ID})
	return nil
}

// runConsolidation executes the final task and gates its checkpoint. The
// consolidation occupies a wave of its own after the last plan wave.
func (s *Scheduler) runConsolidation(ctx context.Context, sess *session.Session, p *plan.Plan, kb session.Context, number int, feedback string) error {
	sess.CurrentWave = len(p.Waves) + 1
	if err := s.store.UpdatePosition(sess.ID, sess.CurrentWave, sess.CurrentCheckpoint); err != nil {
		return err
	}

	res, dur, err := s.runFinal(ctx, sess, p, kb)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		taskErr := &TaskError{Task: p.FinalName(), Err: err}
		s.fail(sess, p.FinalName(), taskErr)
		return taskErr
	}

	return s.gateCreate(ctx, sess, &session.Checkpoint{
		SessionID: sess.ID,
		Number:    number,
		TaskName:  p.FinalName(),
		Wave:      len(p.Waves) + 1,
		Output:    session.Output{Narrative: res.Narrative, Structured: res.Structured},
		Feedback:  feedback,
		Metadata: session.Metadata{
			CreatedAt:       time.Now().UTC(),
			CostUnits:       res.CostUnits,
			DurationSeconds: dur.Seconds(),
		},
	})
}

// runFinal executes the plan's final task when one is declared, or the
// built-in assembler otherwise.
func (s *Scheduler) runFinal(ctx context.Context, sess *session.Session, p *plan.Plan, kb session.Context) (*plan.Result, time.Duration, error) {
	start := time.Now()
	if p.Final != nil {
		res, err := p.Final.Run.Execute(ctx, plan.Input{
			SessionID: sess.ID,
			TaskName:  p.Final.Name,
			Wave:      len(p.Waves) + 1,
			Mode:      sess.Mode,
			Context:   kb.Clone(),
			Feedback:  feedbackFor(kb, p.Final.Name),
		})
		if err == nil && res == nil {
			err = fmt.Errorf("executor returned no result")
		}
		return res, time.Since(start), err
	}
	res, err := s.assembleArtifact(sess, p, kb)
	return res, time.Since(start), err
}

// terminalArtifact is the built-in consolidation output: every task's
// structured output plus session accounting.
type terminalArtifact struct {
	SessionID   string          `json:"session_id"`
	Plan        string          `json:"plan"`
	Mode        session.Mode    `json:"mode"`
	GeneratedAt time.Time       `json:"generated_at"`
	Outputs     session.Context `json:"outputs"`
	Stats       artifactStats   `json:"stats"`
}

type artifactStats struct {
	TotalCheckpoints int     `json:"total_checkpoints"`
	Regenerations    int     `json:"regenerations"`
	CostUnits        float64 `json:"cost_units"`
}

// assembleArtifact collects the plan tasks' outputs from the context.
// Feedback entries and anything else that is not a task output stay out of
// the artifact.
func (s *Scheduler) assembleArtifact(sess *session.Session, p *plan.Plan, kb session.Context) (*plan.Result, error) {
	cur, err := s.store.GetSession(sess.ID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, session.ErrSessionNotFound
	}

	cps, err := s.store.ListCheckpoints(sess.ID)
	if err != nil {
		return nil, err
	}
	var cost float64
	for _, cp := range cps {
		cost += cp.Metadata.CostUnits
	}

	outputs := make(session.Context)
	for _, w := range p.Waves {
		for _, t := range w.Tasks {
			if v, ok := kb[t.Name]; ok {
				outputs[t.Name] = v
			}
		}
	}

	art := terminalArtifact{
		SessionID:   sess.ID,
		Plan:        sess.Plan,
		Mode:        sess.Mode,
		GeneratedAt: time.Now().UTC(),
		Outputs:     outputs,
		Stats: artifactStats{
			TotalCheckpoints: cur.TotalCheckpoints,
			Regenerations:    cur.Regenerations,
			CostUnits:        cost,
		},
	}
	data, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	narrative := fmt.Sprintf("Consolidated %d task outputs across %d waves.", len(outputs), len(p.Waves))
	return &plan.Result{Narrative: narrative, Structured: data}, nil
}
