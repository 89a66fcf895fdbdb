// checkpoints.go implements "sluice checkpoints" (list) and
// "sluice checkpoint" (show one in full).
package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <session-id>",
	Short: "List a session's checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoints,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <session-id> <number>",
	Short: "Show one checkpoint with its full output",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpoint,
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	cps, err := c.Checkpoints(args[0])
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Println("No checkpoints yet.")
		return nil
	}

	for _, cp := range cps {
		fmt.Printf("  %2d  wave %d  %-18s  %s\n", cp.Number, cp.Wave, cp.TaskName, cp.Status)
	}
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("checkpoint number must be an integer: %q", args[1])
	}

	c, err := client()
	if err != nil {
		return err
	}

	cp, err := c.Checkpoint(args[0], number)
	if err != nil {
		return fmt.Errorf("fetching checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint %d (%s, wave %d): %s\n", cp.Number, cp.TaskName, cp.Wave, cp.Status)
	if cp.Feedback != "" {
		fmt.Printf("Feedback: %s\n", cp.Feedback)
	}
	fmt.Println()
	fmt.Println(cp.Output.Narrative)

	if len(cp.Output.Structured) > 0 {
		pretty, indentErr := prettyJSON(cp.Output.Structured)
		if indentErr != nil {
			pretty = string(cp.Output.Structured)
		}
		fmt.Println()
		fmt.Println(pretty)
	}
	return nil
}

func prettyJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
