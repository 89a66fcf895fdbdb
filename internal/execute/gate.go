// gate.go implements the approval gate: persist a checkpoint, announce it,
// and park the session's run loop until a reviewer decision is durably
// recorded.
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/session"
)

var (
	// ErrOutOfOrderApproval is returned when a decision targets any
	// checkpoint other than approved_through+1.
	ErrOutOfOrderApproval = errors.New("approval out of order")

	// ErrSessionTerminal is returned for decisions against a completed or
	// failed session.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrRegenerating is returned for decisions against a checkpoint whose
	// regeneration is still running.
	ErrRegenerating = errors.New("checkpoint is being regenerated")

	// ErrCheckpointTimeout is returned by Await when the configured
	// approval window elapses with no decision.
	ErrCheckpointTimeout = errors.New("approval timed out")
)

const defaultPollInterval = time.Second

// Gate serializes a session at its checkpoints. The run loop calls
// CreateAndAwait; the HTTP layer calls Approve and Reject. All state that
// matters crosses through the store, so a waiter in one process observes a
// decision recorded by another.
type Gate struct {
	store   *session.Store
	signal  *Signal
	emitter *emitter

	pollInterval    time.Duration
	timeout         time.Duration
	advanceOnReject bool
}

// NewGate builds a gate from the execution config. A zero approval timeout
// means wait forever.
func NewGate(store *session.Store, em *emitter, cfg config.Config) *Gate {
	poll := time.Duration(cfg.Gate.PollInterval) * time.Second
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Gate{
		store:           store,
		signal:          NewSignal(),
		emitter:         em,
		pollInterval:    poll,
		timeout:         time.Duration(cfg.Gate.ApprovalTimeout) * time.Second,
		advanceOnReject: cfg.Execution.RejectPolicy != config.RejectRegenerate,
	}
}

// CreateAndAwait persists cp as awaiting approval, emits checkpoint_ready,
// and blocks until the checkpoint is approved. An existing row under the
// same number (a rejected checkpoint being redone after a crash) is
// overwritten. Returns the checkpoint as it stood at approval, which may
// carry regenerated output.
func (g *Gate) CreateAndAwait(ctx context.Context, sess *session.Session, cp *session.Checkpoint) (*session.Checkpoint, error) {
	cp.Status = session.CheckpointAwaitingApproval
	if err := g.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint %d: %w", cp.Number, err)
	}

	sess.CurrentCheckpoint = cp.Number
	if err := g.store.UpdatePosition(sess.ID, sess.CurrentWave, sess.CurrentCheckpoint); err != nil {
		return nil, err
	}

	g.emitter.publish(event.Event{
		Type:       event.CheckpointReady,
		SessionID:  sess.ID,
		Checkpoint: cp.Number,
		TaskName:   cp.TaskName,
		Wave:       cp.Wave,
	})

	if err := g.Await(ctx, sess.ID, cp.Number); err != nil {
		return nil, err
	}

	approved, err := g.store.GetCheckpoint(sess.ID, cp.Number)
	if err != nil {
		return nil, err
	}
	if approved == nil {
		return nil, fmt.Errorf("checkpoint %d: %w", cp.Number, session.ErrCheckpointNotFound)
	}
	return approved, nil
}

// Await blocks until the session's durable approved_through reaches
// number. Wake-ups come from the in-process signal when a decision lands
// locally, with a store poll as the cross-process fallback. No lock is
// held while parked, so decisions are never blocked by a waiter.
func (g *Gate) Await(ctx context.Context, sessionID string, number int) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	var timeoutC <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		// Arm the wake-up before reading state so a decision landing in
		// between still wakes this pass.
		wake := g.signal.Chan(sessionID)

		sess, err := g.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return session.ErrSessionNotFound
		}
		if sess.ApprovedThrough >= number {
			return nil
		}
		if sess.Terminal() {
			return fmt.Errorf("session %s %s while awaiting checkpoint %d", sessionID, sess.Status, number)
		}

		select {
		case <-wake:
		case <-ticker.C:
		case <-timeoutC:
			return fmt.Errorf("checkpoint %d: %w", number, ErrCheckpointTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Approve records approval for checkpoint number and wakes the session's
// run loop. Approvals are strictly sequential; anything other than
// approved_through+1 is refused without touching state. Returns the
// session with the approval applied.
func (g *Gate) Approve(sessionID string, number int) (*session.Session, error) {
	sess, _, err := g.actionable(sessionID, number)
	if err != nil {
		return nil, err
	}

	if err := g.store.RecordApproval(sessionID, number); err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}
	g.signal.Notify(sessionID)

	sess.ApprovedThrough = number
	return sess, nil
}

// Reject records feedback against checkpoint number. Under the advance
// policy the session moves on as if approved; under the regenerate policy
// the gate keeps holding and the caller is told to regenerate. Reports
// whether regeneration should run.
func (g *Gate) Reject(sessionID string, number int, feedback string) (*session.Session, bool, error) {
	sess, _, err := g.actionable(sessionID, number)
	if err != nil {
		return nil, false, err
	}

	if err := g.store.RecordRejection(sessionID, number, feedback, g.advanceOnReject); err != nil {
		return nil, false, fmt.Errorf("record rejection: %w", err)
	}
	sess.Regenerations++
	if g.advanceOnReject {
		g.signal.Notify(sessionID)
		sess.ApprovedThrough = number
		return sess, false, nil
	}
	return sess, true, nil
}

// actionable validates a reviewer decision: the session exists and is
// live, the checkpoint is the next one in sequence, and it is not mid
// regeneration.
func (g *Gate) actionable(sessionID string, number int) (*session.Session, *session.Checkpoint, error) {
	sess, err := g.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, session.ErrSessionNotFound
	}
	if sess.Terminal() {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionTerminal)
	}
	if number != sess.ApprovedThrough+1 {
		return nil, nil, fmt.Errorf("checkpoint %d: %w (next is %d)", number, ErrOutOfOrderApproval, sess.ApprovedThrough+1)
	}

	cp, err := g.store.GetCheckpoint(sessionID, number)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil {
		return nil, nil, fmt.Errorf("checkpoint %d: %w", number, session.ErrCheckpointNotFound)
	}
	if cp.Status == session.CheckpointRejected {
		return nil, nil, fmt.Errorf("checkpoint %d: %w", number, ErrRegenerating)
	}
	return sess, cp, nil
}
