// regenerate.go re-runs the task behind a rejected checkpoint with the
// reviewer's feedback folded in.
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

// Regenerate re-executes the task behind checkpoint number, passing the
// rejection feedback, and returns the checkpoint to awaiting_approval with
// fresh output. The run loop keeps waiting on the same number throughout,
// so no wave or ordering state moves. The feedback is also recorded in the
// session context so a crash mid-regeneration replays it on resume.
//
// The re-run is bound to the scheduler's lifetime, not the caller's: Stop
// waits for it, and a dropped HTTP request cannot abandon it halfway.
func (s *Scheduler) Regenerate(sessionID string, number int, feedback string) (*session.Checkpoint, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	ctx := s.ctx

	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionTerminal)
	}

	cp, err := s.store.GetCheckpoint(sessionID, number)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %d: %w", number, session.ErrCheckpointNotFound)
	}

	p, ok := s.plans.Get(sess.Plan)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, sess.Plan)
	}

	kb, err := s.store.GetContext(sessionID)
	if err != nil {
		return nil, err
	}

	fb, err := json.Marshal(feedback)
	if err != nil {
		return nil, fmt.Errorf("encode feedback: %w", err)
	}
	kb[cp.TaskName+feedbackSuffix] = fb
	if err := s.store.SaveContext(sessionID, kb); err != nil {
		return nil, fmt.Errorf("persist feedback: %w", err)
	}

	var res *plan.Result
	var dur time.Duration
	if number == sess.TotalCheckpoints {
		res, dur, err = s.runFinal(ctx, sess, p, kb)
	} else {
		res, dur, err = s.rerunTask(ctx, sess, p, cp, kb, feedback)
	}
	if err != nil {
		// Shutdown mid-regeneration leaves the checkpoint rejected; the
		// next start re-runs it with the recorded feedback.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		taskErr := &TaskError{Task: cp.TaskName, Err: err}
		s.fail(sess, cp.TaskName, taskErr)
		return nil, taskErr
	}

	// Regular task output replaces the old one in the context; the
	// consolidation output only lives on the checkpoint.
	if number < sess.TotalCheckpoints {
		kb[cp.TaskName] = res.Structured
		if err := s.store.SaveContext(sessionID, kb); err != nil {
			return nil, fmt.Errorf("persist context: %w", err)
		}
	}

	cp.Status = session.CheckpointAwaitingApproval
	cp.Output = session.Output{Narrative: res.Narrative, Structured: res.Structured}
	cp.Feedback = feedback
	cp.Metadata.CreatedAt = time.Now().UTC()
	cp.Metadata.CostUnits = res.CostUnits
	cp.Metadata.DurationSeconds = dur.Seconds()
	if err := s.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint %d: %w", number, err)
	}

	s.publish(event.Event{
		Type:       event.CheckpointReady,
		SessionID:  sess.ID,
		Checkpoint: number,
		TaskName:   cp.TaskName,
		Wave:       cp.Wave,
	})
	return cp, nil
}

func (s *Scheduler) rerunTask(ctx context.Context, sess *session.Session, p *plan.Plan, cp *session.Checkpoint, kb session.Context, feedback string) (*plan.Result, time.Duration, error) {
	t, wave, ok := p.FindTask(cp.TaskName)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownTask, cp.TaskName)
	}

	start := time.Now()
	res, err := t.Run.Execute(ctx, plan.Input{
		SessionID: sess.ID,
		TaskName:  t.Name,
		Wave:      wave,
		Mode:      sess.Mode,
		Context:   kb.Clone(),
		Feedback:  feedback,
	})
	if err == nil && res == nil {
		err = fmt.Errorf("executor returned no result")
	}
	return res, time.Since(start), err
}
