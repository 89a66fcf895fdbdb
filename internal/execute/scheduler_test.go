package execute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/plan"
	"github.com/sluice-dev/sluice/internal/session"
)

// Integration tests for the scheduler: waves, the approval gate, resume,
// and the terminal artifact, all observed through the durable store the
// same way the HTTP layer observes them.

// testEnv wires a scheduler over a throwaway store, journal, and hub, the
// same shape serve assembles at startup.
type testEnv struct {
	store   *session.Store
	plans   *plan.Registry
	hub     *event.Hub
	journal *event.Journal
	cfg     config.Config
	sched   *Scheduler
}

func newTestEnv(t *testing.T, cfg config.Config, plans ...*plan.Plan) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := session.NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := plan.NewRegistry()
	for _, p := range plans {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s) failed: %v", p.Name, err)
		}
	}

	journal, err := event.NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	env := &testEnv{
		store:   store,
		plans:   reg,
		hub:     event.NewHub(),
		journal: journal,
		cfg:     cfg,
	}
	env.sched = NewScheduler(store, reg, env.hub, journal, cfg)
	t.Cleanup(func() { env.sched.Stop() })
	return env
}

// restart simulates a process restart: the running scheduler is stopped
// and a fresh one is built over the same store and registry.
func (env *testEnv) restart(t *testing.T) {
	t.Helper()
	env.sched.Stop()
	env.sched = NewScheduler(env.store, env.plans, env.hub, env.journal, env.cfg)
}

func testConfig() config.Config {
	return *config.DefaultConfig()
}

// waitForCheckpoint polls the store until checkpoint number reaches the
// wanted status.
func waitForCheckpoint(t *testing.T, store *session.Store, sessionID string, number int, status session.CheckpointStatus) *session.Checkpoint {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cp, err := store.GetCheckpoint(sessionID, number)
		if err != nil {
			t.Fatalf("GetCheckpoint(%d) failed: %v", number, err)
		}
		if cp != nil && cp.Status == status {
			return cp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("checkpoint %d never reached %s", number, status)
	return nil
}

// waitForSession polls the store until the session reaches the wanted
// status.
func waitForSession(t *testing.T, store *session.Store, sessionID string, status session.Status) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.GetSession(sessionID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if sess != nil && sess.Status == status {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s", status)
	return nil
}

// approve waits for checkpoint number to surface and approves it.
func approve(t *testing.T, env *testEnv, sessionID string, number int) {
	t.Helper()
	waitForCheckpoint(t, env.store, sessionID, number, session.CheckpointAwaitingApproval)
	if _, err := env.sched.Gate().Approve(sessionID, number); err != nil {
		t.Fatalf("Approve(%d) failed: %v", number, err)
	}
}

// staticTask returns a task whose executor immediately yields a canned
// structured output.
func staticTask(name string) plan.TaskSpec {
	return plan.TaskSpec{Name: name, Run: plan.ExecutorFunc(func(context.Context, plan.Input) (*plan.Result, error) {
		return &plan.Result{
			Narrative:  name + " finished",
			Structured: json.RawMessage(fmt.Sprintf(`{"from":%q}`, name)),
		}, nil
	})}
}

// gatedTask returns a task that blocks until release is closed, counting
// executor entries when a counter is given.
func gatedTask(name string, release <-chan struct{}, entries *atomic.Int32) plan.TaskSpec {
	return plan.TaskSpec{Name: name, Run: plan.ExecutorFunc(func(ctx context.Context, in plan.Input) (*plan.Result, error) {
		if entries != nil {
			entries.Add(1)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &plan.Result{
			Narrative:  name + " finished",
			Structured: json.RawMessage(fmt.Sprintf(`{"from":%q}`, name)),
		}, nil
	})}
}

// briefPlan is the reference shape most tests run: two gather tasks, one
// compose task, four checkpoints including the consolidation.
func briefPlan() *plan.Plan {
	return &plan.Plan{
		Name: "brief",
		Waves: []plan.Wave{
			{Name: "gather", Tasks: []plan.TaskSpec{staticTask("collect"), staticTask("survey")}},
			{Name: "draft", Tasks: []plan.TaskSpec{staticTask("compose")}},
		},
	}
}

// soloPlan holds a single task, two checkpoints in total.
func soloPlan(name string) *plan.Plan {
	return &plan.Plan{
		Name:  name,
		Waves: []plan.Wave{{Name: "gather", Tasks: []plan.TaskSpec{staticTask("collect")}}},
	}
}

func TestSchedulerRunsPlanToCompletion(t *testing.T) {
	env := newTestEnv(t, testConfig(), briefPlan())

	sess, err := env.sched.Start("brief", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.TotalCheckpoints != 4 {
		t.Fatalf("TotalCheckpoints = %d, want 4", sess.TotalCheckpoints)
	}
	if sess.Status != session.StatusInProgress {
		t.Errorf("Status = %s, want %s", sess.Status, session.StatusInProgress)
	}

	// Checkpoints surface one at a time, numbered densely in task
	// definition order, with the consolidation last.
	wantTasks := []string{"collect", "survey", "compose", plan.ConsolidationTask}
	wantWaves := []int{1, 1, 2, 3}
	for n := 1; n <= 4; n++ {
		cp := waitForCheckpoint(t, env.store, sess.ID, n, session.CheckpointAwaitingApproval)
		if cp.TaskName != wantTasks[n-1] {
			t.Errorf("checkpoint %d task = %q, want %q", n, cp.TaskName, wantTasks[n-1])
		}
		if cp.Wave != wantWaves[n-1] {
			t.Errorf("checkpoint %d wave = %d, want %d", n, cp.Wave, wantWaves[n-1])
		}
		if _, err := env.sched.Gate().Approve(sess.ID, n); err != nil {
			t.Fatalf("Approve(%d) failed: %v", n, err)
		}
	}

	done := waitForSession(t, env.store, sess.ID, session.StatusCompleted)
	if done.ApprovedThrough != 4 {
		t.Errorf("ApprovedThrough = %d, want 4", done.ApprovedThrough)
	}

	// The terminal artifact assembles every task output plus stats.
	raw, err := env.store.GetArtifact(sess.ID)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	var art struct {
		Plan    string                     `json:"plan"`
		Outputs map[string]json.RawMessage `json:"outputs"`
		Stats   struct {
			TotalCheckpoints int `json:"total_checkpoints"`
			Regenerations    int `json:"regenerations"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &art); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if art.Plan != "brief" {
		t.Errorf("artifact plan = %q, want brief", art.Plan)
	}
	for _, name := range []string{"collect", "survey", "compose"} {
		if _, ok := art.Outputs[name]; !ok {
			t.Errorf("artifact outputs missing %q", name)
		}
	}
	if art.Stats.TotalCheckpoints != 4 {
		t.Errorf("artifact total_checkpoints = %d, want 4", art.Stats.TotalCheckpoints)
	}
	if art.Stats.Regenerations != 0 {
		t.Errorf("artifact regenerations = %d, want 0", art.Stats.Regenerations)
	}
}

func TestSchedulerEventSequence(t *testing.T) {
	env := newTestEnv(t, testConfig(), soloPlan("solo"))

	sess, err := env.sched.Start("solo", session.ModeFast)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)
	approve(t, env, sess.ID, 2)
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)

	want := []string{
		event.WaveStarted,
		event.AgentStarted,
		event.AgentCompleted,
		event.CheckpointReady,
		event.WaveComplete,
		event.CheckpointReady,
		event.SessionComplete,
	}

	// The journal write can trail the status flip by a beat.
	var events []event.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err = env.journal.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(events) >= len(want) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != len(want) {
		t.Fatalf("journal has %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Errorf("event %d = %q, want %q", i, evt.Type, want[i])
		}
		if evt.SessionID != sess.ID {
			t.Errorf("event %d session = %q, want %q", i, evt.SessionID, sess.ID)
		}
	}

	if events[0].Wave != 1 || len(events[0].TaskNames) != 1 || events[0].TaskNames[0] != "collect" {
		t.Errorf("wave_started = %+v, want wave 1 with task collect", events[0])
	}
	if events[3].Checkpoint != 1 || events[3].TaskName != "collect" {
		t.Errorf("checkpoint_ready = %+v, want checkpoint 1 for collect", events[3])
	}
	if events[4].Wave != 1 || events[4].NextWave != 2 {
		t.Errorf("wave_complete = %+v, want wave 1 next 2", events[4])
	}
	if events[5].Checkpoint != 2 || events[5].TaskName != plan.ConsolidationTask {
		t.Errorf("final checkpoint_ready = %+v, want checkpoint 2 for consolidation", events[5])
	}
}

// Tasks may finish in any order; checkpoints still appear one at a time in
// definition order, and none before the whole wave is done.
func TestSchedulerGatesInDefinitionOrder(t *testing.T) {
	releases := map[string]chan struct{}{
		"alpha": make(chan struct{}),
		"beta":  make(chan struct{}),
		"gamma": make(chan struct{}),
	}
	p := &plan.Plan{
		Name: "ordered",
		Waves: []plan.Wave{{Name: "gather", Tasks: []plan.TaskSpec{
			gatedTask("alpha", releases["alpha"], nil),
			gatedTask("beta", releases["beta"], nil),
			gatedTask("gamma", releases["gamma"], nil),
		}}},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("ordered", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Finish the wave back to front. Nothing may be checkpointed while
	// alpha is still running.
	close(releases["gamma"])
	close(releases["beta"])
	time.Sleep(100 * time.Millisecond)
	if cp, err := env.store.GetCheckpoint(sess.ID, 1); err != nil || cp != nil {
		t.Fatalf("checkpoint 1 before the barrier = %v, %v; want none", cp, err)
	}
	close(releases["alpha"])

	for i, name := range []string{"alpha", "beta", "gamma"} {
		n := i + 1
		cp := waitForCheckpoint(t, env.store, sess.ID, n, session.CheckpointAwaitingApproval)
		if cp.TaskName != name {
			t.Errorf("checkpoint %d task = %q, want %q", n, cp.TaskName, name)
		}
		if later, _ := env.store.GetCheckpoint(sess.ID, n+1); later != nil {
			t.Errorf("checkpoint %d exists before %d was approved", n+1, n)
		}
		if _, err := env.sched.Gate().Approve(sess.ID, n); err != nil {
			t.Fatalf("Approve(%d) failed: %v", n, err)
		}
	}

	approve(t, env, sess.ID, 4)
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)
}

func TestSchedulerWaveBarrier(t *testing.T) {
	var wave2Entered atomic.Int32
	p := &plan.Plan{
		Name: "barrier",
		Waves: []plan.Wave{
			{Name: "gather", Tasks: []plan.TaskSpec{staticTask("collect"), staticTask("survey")}},
			{Name: "draft", Tasks: []plan.TaskSpec{{Name: "compose", Run: plan.ExecutorFunc(func(context.Context, plan.Input) (*plan.Result, error) {
				wave2Entered.Add(1)
				return &plan.Result{Narrative: "composed", Structured: json.RawMessage(`{"ok":true}`)}, nil
			})}}},
		},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("barrier", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Both wave-1 checkpoints must clear before wave 2 may launch.
	waitForCheckpoint(t, env.store, sess.ID, 1, session.CheckpointAwaitingApproval)
	time.Sleep(100 * time.Millisecond)
	if n := wave2Entered.Load(); n != 0 {
		t.Fatalf("wave 2 ran %d times with wave 1 unapproved", n)
	}

	approve(t, env, sess.ID, 1)
	waitForCheckpoint(t, env.store, sess.ID, 2, session.CheckpointAwaitingApproval)
	time.Sleep(50 * time.Millisecond)
	if n := wave2Entered.Load(); n != 0 {
		t.Fatalf("wave 2 ran %d times with checkpoint 2 unapproved", n)
	}

	approve(t, env, sess.ID, 2)
	waitForCheckpoint(t, env.store, sess.ID, 3, session.CheckpointAwaitingApproval)
	if n := wave2Entered.Load(); n != 1 {
		t.Errorf("wave 2 ran %d times, want 1", n)
	}
}

func TestSchedulerContextPropagation(t *testing.T) {
	wave1Sizes := make(chan int, 2)
	spy := func(name, out string) plan.TaskSpec {
		return plan.TaskSpec{Name: name, Run: plan.ExecutorFunc(func(_ context.Context, in plan.Input) (*plan.Result, error) {
			wave1Sizes <- len(in.Context)
			return &plan.Result{Narrative: name, Structured: json.RawMessage(out)}, nil
		})}
	}
	wave2Ctx := make(chan session.Context, 1)
	p := &plan.Plan{
		Name: "handoff",
		Waves: []plan.Wave{
			{Name: "gather", Tasks: []plan.TaskSpec{spy("collect", `{"items":2}`), spy("survey", `{"n":7}`)}},
			{Name: "draft", Tasks: []plan.TaskSpec{{Name: "compose", Run: plan.ExecutorFunc(func(_ context.Context, in plan.Input) (*plan.Result, error) {
				wave2Ctx <- in.Context.Clone()
				return &plan.Result{Narrative: "composed", Structured: json.RawMessage(`{"ok":true}`)}, nil
			})}}},
		},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("handoff", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)
	approve(t, env, sess.ID, 2)
	waitForCheckpoint(t, env.store, sess.ID, 3, session.CheckpointAwaitingApproval)

	// Wave-1 siblings saw the context as it stood at wave entry: empty.
	for i := 0; i < 2; i++ {
		select {
		case n := <-wave1Sizes:
			if n != 0 {
				t.Errorf("wave-1 task saw %d context keys, want 0", n)
			}
		default:
			t.Fatal("missing wave-1 context capture")
		}
	}

	// Wave 2 sees exactly the wave-1 outputs.
	select {
	case kb := <-wave2Ctx:
		if len(kb) != 2 {
			t.Errorf("wave-2 context has %d keys, want 2", len(kb))
		}
		if string(kb["collect"]) != `{"items":2}` {
			t.Errorf("context[collect] = %s, want {\"items\":2}", kb["collect"])
		}
		if string(kb["survey"]) != `{"n":7}` {
			t.Errorf("context[survey] = %s, want {\"n\":7}", kb["survey"])
		}
	default:
		t.Fatal("wave-2 task never captured its context")
	}
}

func TestSchedulerTaskFailureFailsSession(t *testing.T) {
	p := &plan.Plan{
		Name: "doomed",
		Waves: []plan.Wave{
			{Name: "gather", Tasks: []plan.TaskSpec{staticTask("collect")}},
			{Name: "draft", Tasks: []plan.TaskSpec{{Name: "compose", Run: plan.ExecutorFunc(func(context.Context, plan.Input) (*plan.Result, error) {
				return nil, errors.New("model unavailable")
			})}}},
		},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("doomed", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)

	failed := waitForSession(t, env.store, sess.ID, session.StatusFailed)
	if !strings.Contains(failed.Failure, "model unavailable") || !strings.Contains(failed.Failure, "compose") {
		t.Errorf("Failure = %q, want the task and its error named", failed.Failure)
	}

	// Approved work survives; the failed task left no checkpoint.
	cp1, err := env.store.GetCheckpoint(sess.ID, 1)
	if err != nil || cp1 == nil {
		t.Fatalf("GetCheckpoint(1) = %v, %v", cp1, err)
	}
	if cp1.Status != session.CheckpointApproved {
		t.Errorf("checkpoint 1 status = %s, want approved", cp1.Status)
	}
	if cp2, _ := env.store.GetCheckpoint(sess.ID, 2); cp2 != nil {
		t.Error("failed task should not leave a checkpoint")
	}

	// Decisions against a failed session are refused.
	if _, err := env.sched.Gate().Approve(sess.ID, 2); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("Approve after failure = %v, want ErrSessionTerminal", err)
	}

	// The failure is on the event stream.
	var last event.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := env.journal.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(events) > 0 && events[len(events)-1].Type == event.Error {
			last = events[len(events)-1]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last.Type != event.Error {
		t.Fatal("no error event was journaled")
	}
	if last.TaskName != "compose" || !strings.Contains(last.Message, "model unavailable") {
		t.Errorf("error event = %+v, want compose / model unavailable", last)
	}
}

func TestSchedulerResumeSkipsApprovedWork(t *testing.T) {
	var alphaRuns, betaRuns atomic.Int32
	counting := func(name string, runs *atomic.Int32) plan.TaskSpec {
		return plan.TaskSpec{Name: name, Run: plan.ExecutorFunc(func(context.Context, plan.Input) (*plan.Result, error) {
			runs.Add(1)
			return &plan.Result{Narrative: name, Structured: json.RawMessage(`{"ok":true}`)}, nil
		})}
	}
	p := &plan.Plan{
		Name: "resumable",
		Waves: []plan.Wave{
			{Name: "gather", Tasks: []plan.TaskSpec{counting("alpha", &alphaRuns)}},
			{Name: "draft", Tasks: []plan.TaskSpec{counting("beta", &betaRuns)}},
		},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("resumable", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)
	waitForCheckpoint(t, env.store, sess.ID, 2, session.CheckpointAwaitingApproval)

	// Process dies with checkpoint 2 pending.
	env.restart(t)

	picked, err := env.sched.Resume()
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if picked != 1 {
		t.Fatalf("Resume picked up %d sessions, want 1", picked)
	}

	// The pending checkpoint is re-awaited, not re-run.
	approve(t, env, sess.ID, 2)
	approve(t, env, sess.ID, 3)
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)

	if n := alphaRuns.Load(); n != 1 {
		t.Errorf("alpha ran %d times, want 1", n)
	}
	if n := betaRuns.Load(); n != 1 {
		t.Errorf("beta ran %d times, want 1", n)
	}
}

func TestSchedulerResumeRerunsUnfinishedTasks(t *testing.T) {
	release := make(chan struct{})
	var entries atomic.Int32
	p := &plan.Plan{
		Name:  "interrupted",
		Waves: []plan.Wave{{Name: "gather", Tasks: []plan.TaskSpec{gatedTask("alpha", release, &entries)}}},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("interrupted", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the task to be in flight, then die mid-wave.
	deadline := time.Now().Add(2 * time.Second)
	for entries.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if entries.Load() == 0 {
		t.Fatal("task never started")
	}
	env.restart(t)

	// Nothing was checkpointed and the session is still live.
	if cp, _ := env.store.GetCheckpoint(sess.ID, 1); cp != nil {
		t.Fatal("no checkpoint should survive an interrupted wave")
	}
	cur, err := env.store.GetSession(sess.ID)
	if err != nil || cur == nil {
		t.Fatalf("GetSession = %v, %v", cur, err)
	}
	if cur.Status != session.StatusInProgress {
		t.Fatalf("Status after interrupt = %s, want %s", cur.Status, session.StatusInProgress)
	}

	// On resume the task runs again.
	close(release)
	if _, err := env.sched.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	approve(t, env, sess.ID, 1)
	approve(t, env, sess.ID, 2)
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)

	if n := entries.Load(); n != 2 {
		t.Errorf("task entered %d times, want 2 (one interrupted, one resumed)", n)
	}
}

func TestSchedulerStartUnknownPlan(t *testing.T) {
	env := newTestEnv(t, testConfig(), briefPlan())
	if _, err := env.sched.Start("nope", session.ModeBalanced); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Start(nope) = %v, want ErrUnknownPlan", err)
	}
}

// With the poll interval pushed out of reach, only the wake-up signal can
// move an approval through the gate in time.
func TestSchedulerSignalWakesGate(t *testing.T) {
	cfg := testConfig()
	cfg.Gate.PollInterval = 300
	env := newTestEnv(t, cfg, soloPlan("signalled"))

	sess, err := env.sched.Start("signalled", session.ModeBalanced)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)
	approve(t, env, sess.ID, 2)
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)
}

func TestSchedulerFinalOverride(t *testing.T) {
	finalCtx := make(chan session.Context, 1)
	p := &plan.Plan{
		Name:  "custom",
		Waves: []plan.Wave{{Name: "gather", Tasks: []plan.TaskSpec{staticTask("collect")}}},
		Final: &plan.TaskSpec{Name: "wrap", Run: plan.ExecutorFunc(func(_ context.Context, in plan.Input) (*plan.Result, error) {
			finalCtx <- in.Context.Clone()
			return &plan.Result{Narrative: "wrapped", Structured: json.RawMessage(`{"custom":true}`)}, nil
		})},
	}
	env := newTestEnv(t, testConfig(), p)

	sess, err := env.sched.Start("custom", session.ModeDeep)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	approve(t, env, sess.ID, 1)

	cp := waitForCheckpoint(t, env.store, sess.ID, 2, session.CheckpointAwaitingApproval)
	if cp.TaskName != "wrap" {
		t.Errorf("final checkpoint task = %q, want wrap", cp.TaskName)
	}
	if _, err := env.sched.Gate().Approve(sess.ID, 2); err != nil {
		t.Fatalf("Approve(2) failed: %v", err)
	}
	waitForSession(t, env.store, sess.ID, session.StatusCompleted)

	// The declared final task's output is the artifact, verbatim.
	raw, err := env.store.GetArtifact(sess.ID)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if string(raw) != `{"custom":true}` {
		t.Errorf("artifact = %s, want {\"custom\":true}", raw)
	}

	select {
	case kb := <-finalCtx:
		if _, ok := kb["collect"]; !ok {
			t.Error("final task context missing the collect output")
		}
	default:
		t.Fatal("final task never captured its context")
	}
}
