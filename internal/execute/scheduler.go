// scheduler.go drives sessions through their plan: one goroutine per
// session walks the waves, fans tasks out, and gates every checkpoint.
package execute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/plan"
	"github.com/sluice-dev/sluice/internal/session"
)

var (
	// ErrUnknownPlan is returned when a session names a plan that is not
	// registered.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnknownTask is returned when a checkpoint's task is missing from
	// its plan, which happens when the plan file changed underneath a
	// running session.
	ErrUnknownTask = errors.New("unknown task")
)

// TaskError reports a task body failure. It is fatal to the session.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %s: %v", e.Task, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Scheduler owns session orchestration. Every position decision is
// re-derived from the store, so resuming after a restart and starting
// fresh run the same code path.
type Scheduler struct {
	store   *session.Store
	plans   *plan.Registry
	gate    *Gate
	emitter *emitter
	cfg     config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires a scheduler over the store and plan registry. The hub
// and journal may be nil; events are then dropped or not journaled.
func NewScheduler(store *session.Store, plans *plan.Registry, hub *event.Hub, journal *event.Journal, cfg config.Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	em := &emitter{hub: hub, journal: journal}
	return &Scheduler{
		store:   store,
		plans:   plans,
		gate:    NewGate(store, em, cfg),
		emitter: em,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Gate exposes the approval gate for the HTTP layer.
func (s *Scheduler) Gate() *Gate { return s.gate }

// Start creates a session for the named plan and launches its run.
func (s *Scheduler) Start(planName string, mode session.Mode) (*session.Session, error) {
	p, ok := s.plans.Get(planName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planName)
	}

	sess, err := s.store.CreateSession(p.Name, mode, p.TotalCheckpoints())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.spawn(sess.ID)
	return sess, nil
}

// Resume relaunches the run loop for every in-progress session, oldest
// first. Called once at startup; returns how many sessions were picked up.
func (s *Scheduler) Resume() (int, error) {
	ids, err := s.store.ListInProgress()
	if err != nil {
		return 0, fmt.Errorf("list in-progress sessions: %w", err)
	}
	for _, id := range ids {
		s.spawn(id)
	}
	return len(ids), nil
}

// Stop cancels every session goroutine and waits for them to park.
// Interrupted sessions stay in_progress and resume on the next start.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) spawn(sessionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Warning: session %s stopped: %v\n", sessionID, err)
		}
	}()
}

// Run drives one session to its terminal state. Safe to call on a
// partially finished session: approved waves are skipped, an unapproved
// checkpoint is awaited again, and tasks without checkpoints run.
func (s *Scheduler) Run(ctx context.Context, sessionID string) error {
	// 1. Load position from durable state.
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return session.ErrSessionNotFound
	}
	if sess.Terminal() {
		return nil
	}

	p, ok := s.plans.Get(sess.Plan)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownPlan, sess.Plan)
		s.fail(sess, "", err)
		return err
	}

	kb, err := s.store.GetContext(sessionID)
	if err != nil {
		return err
	}

	// 2. Walk the waves. A wave whose last checkpoint is already approved
	// is done; everything else goes through runWave, which sorts out
	// per-task state itself.
	base := 0
	for i, wave := range p.Waves {
		last := base + len(wave.Tasks)
		if sess.ApprovedThrough < last {
			if err := s.runWave(ctx, sess, waveRun{num: i + 1, wave: wave, base: base, kb: kb}); err != nil {
				return err
			}
			s.publish(event.Event{
				Type:      event.WaveComplete,
				SessionID: sess.ID,
				Wave:      i + 1,
				NextWave:  i + 2,
			})
		}
		base = last
	}

	// 3. Consolidate into the terminal artifact.
	return s.consolidate(ctx, sess, p, kb)
}

// fail marks the session failed and broadcasts the cause. Waiters parked
// on the session's gate are woken so they can observe the terminal state.
func (s *Scheduler) fail(sess *session.Session, taskName string, cause error) {
	sess.Status = session.StatusFailed
	sess.Failure = cause.Error()
	if err := s.store.MarkFailed(sess.ID, sess.Failure); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark session %s failed: %v\n", sess.ID, err)
	}
	s.gate.signal.Notify(sess.ID)
	s.publish(event.Event{
		Type:      event.Error,
		SessionID: sess.ID,
		TaskName:  taskName,
		Message:   cause.Error(),
	})
}

func (s *Scheduler) publish(evt event.Event) {
	s.emitter.publish(evt)
}

// await re-enters the gate for an existing checkpoint, failing the session
// if the approval window times out.
func (s *Scheduler) await(ctx context.Context, sess *session.Session, number int) error {
	return s.gateOutcome(sess, number, s.gate.Await(ctx, sess.ID, number))
}

// gateCreate persists and gates a fresh checkpoint, failing the session if
// the approval window times out.
func (s *Scheduler) gateCreate(ctx context.Context, sess *session.Session, cp *session.Checkpoint) error {
	_, err := s.gate.CreateAndAwait(ctx, sess, cp)
	return s.gateOutcome(sess, cp.Number, err)
}

// gateOutcome translates a gate error into session state: a timeout is
// terminal, cancellation and everything else just unwinds the run loop.
func (s *Scheduler) gateOutcome(sess *session.Session, number int, err error) error {
	if err != nil && errors.Is(err, ErrCheckpointTimeout) {
		s.fail(sess, "", fmt.Errorf("checkpoint %d: %w", number, ErrCheckpointTimeout))
	}
	return err
}

// emitter fans events out to the live hub and the durable journal. A nil
// hub or journal is skipped.
type emitter struct {
	hub     *event.Hub
	journal *event.Journal
}

func (e *emitter) publish(evt event.Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	if e.journal != nil {
		if err := e.journal.Append(evt); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to journal %s event: %v\n", evt.Type, err)
		}
	}
	if e.hub != nil {
		e.hub.Publish(evt)
	}
}
