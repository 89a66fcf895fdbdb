// wave.go runs a single wave: concurrent fan-out of whatever tasks still
// need to run, a join barrier, then checkpoint gating strictly in task
// definition order.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/plan"
	"github.com/sluice-dev/sluice/internal/session"
)

// feedbackSuffix keys rejection feedback in the session context, next to
// the task output it refers to.
const feedbackSuffix = "_feedback"

// waveRun bundles the per-wave call state of the run loop.
type waveRun struct {
	num  int
	wave plan.Wave
	base int             // checkpoints numbered before this wave
	kb   session.Context // live context map, owned by the run loop
}

type taskResult struct {
	res      *plan.Result
	err      error
	duration time.Duration
}

func (s *Scheduler) runWave(ctx context.Context, sess *session.Session, wr waveRun) error {
	// 1. Decide which tasks still need to run. No checkpoint means the
	// task never finished; a rejected checkpoint means the process died
	// mid-regeneration, so its feedback is replayed into the re-run.
	existing := make([]*session.Checkpoint, len(wr.wave.Tasks))
	var pending []int
	for i := range wr.wave.Tasks {
		cp, err := s.store.GetCheckpoint(sess.ID, wr.base+i+1)
		if err != nil {
			return err
		}
		existing[i] = cp
		if cp == nil || cp.Status == session.CheckpointRejected {
			pending = append(pending, i)
			if cp != nil && cp.Feedback != "" {
				fb, _ := json.Marshal(cp.Feedback)
				wr.kb[wr.wave.Tasks[i].Name+feedbackSuffix] = fb
			}
		}
	}

	sess.CurrentWave = wr.num
	if err := s.store.UpdatePosition(sess.ID, sess.CurrentWave, sess.CurrentCheckpoint); err != nil {
		return err
	}

	// 2. Fan out. Each task gets a snapshot of the context as it stood at
	// wave entry, so siblings never see each other's output.
	results := make([]taskResult, len(wr.wave.Tasks))
	if len(pending) > 0 {
		names := make([]string, len(wr.wave.Tasks))
		for i, t := range wr.wave.Tasks {
			names[i] = t.Name
		}
		s.publish(event.Event{
			Type:      event.WaveStarted,
			SessionID: sess.ID,
			Wave:      wr.num,
			TaskNames: names,
		})

		snapshot := wr.kb.Clone()
		var wg sync.WaitGroup
		for _, i := range pending {
			t := wr.wave.Tasks[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = s.runTask(ctx, sess, t, wr.num, snapshot)
			}()
		}
		wg.Wait()
	}

	// Shutdown mid-wave leaves the session in_progress for the next start.
	if err := ctx.Err(); err != nil {
		return err
	}

	// 3. Barrier: every task must have succeeded before any checkpoint in
	// this wave is created.
	for _, i := range pending {
		if err := results[i].err; err != nil {
			taskErr := &TaskError{Task: wr.wave.Tasks[i].Name, Err: err}
			s.fail(sess, wr.wave.Tasks[i].Name, taskErr)
			return taskErr
		}
	}

	// 4. Merge outputs and gate checkpoints in definition order. Context
	// is persisted before each checkpoint so a crash never yields a
	// checkpoint whose output is missing from the context.
	ran := make(map[int]bool, len(pending))
	for _, i := range pending {
		ran[i] = true
	}
	for i, t := range wr.wave.Tasks {
		number := wr.base + i + 1
		switch {
		case !ran[i] && existing[i].Status == session.CheckpointApproved:
			continue
		case !ran[i]:
			// Still awaiting approval from before a restart.
			if err := s.await(ctx, sess, number); err != nil {
				return err
			}
		default:
			r := results[i]
			wr.kb[t.Name] = r.res.Structured
			if err := s.store.SaveContext(sess.ID, wr.kb); err != nil {
				return fmt.Errorf("persist context: %w", err)
			}
			cp := &session.Checkpoint{
				SessionID: sess.ID,
				Number:    number,
				TaskName:  t.Name,
				Wave:      wr.num,
				Output:    session.Output{Narrative: r.res.Narrative, Structured: r.res.Structured},
				Metadata: session.Metadata{
					CreatedAt:       time.Now().UTC(),
					CostUnits:       r.res.CostUnits,
					DurationSeconds: r.duration.Seconds(),
				},
			}
			// A redo of a rejected checkpoint keeps the feedback it answers.
			if existing[i] != nil {
				cp.Feedback = existing[i].Feedback
			}
			if err := s.gateCreate(ctx, sess, cp); err != nil {
				return err
			}
		}
	}

	return nil
}

// runTask executes one task body and reports its lifecycle on the event
// stream. Failures are returned, not broadcast; the barrier decides what a
// failure means for the wave.
func (s *Scheduler) runTask(ctx context.Context, sess *session.Session, t plan.TaskSpec, wave int, snapshot session.Context) taskResult {
	s.publish(event.Event{
		Type:      event.AgentStarted,
		SessionID: sess.ID,
		Wave:      wave,
		TaskName:  t.Name,
	})

	start := time.Now()
	res, err := t.Run.Execute(ctx, plan.Input{
		SessionID: sess.ID,
		TaskName:  t.Name,
		Wave:      wave,
		Mode:      sess.Mode,
		Context:   snapshot,
		Feedback:  feedbackFor(snapshot, t.Name),
	})
	out := taskResult{res: res, err: err, duration: time.Since(start)}
	if err == nil && res == nil {
		out.err = fmt.Errorf("executor returned no result")
	}
	if out.err == nil {
		s.publish(event.Event{
			Type:      event.AgentCompleted,
			SessionID: sess.ID,
			Wave:      wave,
			TaskName:  t.Name,
		})
	}
	return out
}

// feedbackFor extracts pending rejection feedback for a task from the
// context, where Regenerate records it.
func feedbackFor(kb session.Context, task string) string {
	raw, ok := kb[task+feedbackSuffix]
	if !ok {
		return ""
	}
	var fb string
	if err := json.Unmarshal(raw, &fb); err != nil {
		return ""
	}
	return fb
}
