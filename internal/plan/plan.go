// Package plan defines wave plans: an ordered sequence of waves, each wave
// an ordered set of tasks that run concurrently, plus the executors that
// carry the task bodies.
package plan

import "fmt"

// ConsolidationTask is the reserved name of the built-in final task that
// assembles the terminal artifact after the last wave.
const ConsolidationTask = "consolidation"

// Plan is an immutable wave plan. Checkpoint numbers follow task definition
// order across waves, with one extra checkpoint for the final consolidation.
type Plan struct {
	Name  string
	Waves []Wave

	// Final optionally replaces the built-in consolidation executor.
	// Its output becomes the terminal artifact.
	Final *TaskSpec
}

// Wave is one group of tasks launched together.
type Wave struct {
	Name  string
	Tasks []TaskSpec
}

// TaskSpec names one task and the executor that runs it.
type TaskSpec struct {
	Name string
	Run  Executor
}

// Validate checks the structural invariants the scheduler relies on.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan has no name")
	}
	if len(p.Waves) == 0 {
		return fmt.Errorf("plan %q has no waves", p.Name)
	}

	seen := make(map[string]bool)
	for i, w := range p.Waves {
		if len(w.Tasks) == 0 {
			return fmt.Errorf("plan %q wave %d is empty", p.Name, i+1)
		}
		for _, t := range w.Tasks {
			if t.Name == "" {
				return fmt.Errorf("plan %q wave %d has an unnamed task", p.Name, i+1)
			}
			if t.Name == ConsolidationTask {
				return fmt.Errorf("plan %q: task name %q is reserved", p.Name, ConsolidationTask)
			}
			if seen[t.Name] {
				return fmt.Errorf("plan %q: duplicate task name %q", p.Name, t.Name)
			}
			if t.Run == nil {
				return fmt.Errorf("plan %q: task %q has no executor", p.Name, t.Name)
			}
			seen[t.Name] = true
		}
	}

	if p.Final != nil {
		if p.Final.Name == "" {
			return fmt.Errorf("plan %q: final task has no name", p.Name)
		}
		if seen[p.Final.Name] {
			return fmt.Errorf("plan %q: final task name %q collides with a wave task", p.Name, p.Final.Name)
		}
		if p.Final.Run == nil {
			return fmt.Errorf("plan %q: final task %q has no executor", p.Name, p.Final.Name)
		}
	}

	return nil
}

// TaskCount returns the number of wave tasks, excluding consolidation.
func (p *Plan) TaskCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Tasks)
	}
	return n
}

// TotalCheckpoints returns the checkpoint count a session of this plan will
// produce: one per task plus the final consolidation checkpoint.
func (p *Plan) TotalCheckpoints() int {
	return p.TaskCount() + 1
}

// FinalName returns the name the final checkpoint's task will carry.
func (p *Plan) FinalName() string {
	if p.Final != nil {
		return p.Final.Name
	}
	return ConsolidationTask
}

// FindTask locates a wave task by name and reports its 1-based wave index.
func (p *Plan) FindTask(name string) (TaskSpec, int, bool) {
	for i, w := range p.Waves {
		for _, t := range w.Tasks {
			if t.Name == name {
				return t, i + 1, true
			}
		}
	}
	return TaskSpec{}, 0, false
}
