// command.go runs external programs as task bodies: Input as JSON on stdin,
// a Result envelope as JSON on stdout.
package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Command is an Executor that invokes an external program. The program
// reads one Input JSON document on stdin and must print one Result JSON
// document on stdout. A non-zero exit fails the task.
type Command struct {
	Args    []string
	Dir     string        // working directory; empty means inherit
	Timeout time.Duration // zero means no limit beyond the caller's ctx
}

// Execute implements Executor.
func (c *Command) Execute(ctx context.Context, in Input) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("task %s: no command configured", in.TaskName)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode task input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		// Distinguish a timeout from an ordinary failure.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("task command timed out after %s: %w", c.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("task command exited with error: %w\nstderr: %s", err, stderr.String())
	}

	res, parseErr := ParseResult(stdout.Bytes())
	if parseErr != nil {
		return nil, fmt.Errorf("parsing task output: %w\nraw stdout: %s", parseErr, stdout.String())
	}

	return res, nil
}

// ParseResult parses the JSON envelope a task command prints on stdout.
// The structured field is required; narrative and cost_units may be empty.
func ParseResult(raw []byte) (*Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty task output")
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}

	if len(res.Structured) == 0 {
		return nil, fmt.Errorf("result envelope missing structured field")
	}

	return &res, nil
}
