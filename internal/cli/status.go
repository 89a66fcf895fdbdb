// status.go implements the "sluice status" command showing one session's
// position.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show session progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	st, err := c.Status(args[0])
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}

	fmt.Printf("Session %s\n", st.SessionID)
	fmt.Printf("  Plan:       %s (%s mode)\n", st.Plan, st.Mode)
	fmt.Printf("  Status:     %s\n", st.Status)
	fmt.Printf("  Wave:       %d\n", st.CurrentWave)
	fmt.Printf("  Checkpoint: %d (approved through %d)\n", st.CurrentCheckpoint, st.ApprovedThrough)
	if st.Regenerations > 0 {
		fmt.Printf("  Regenerations: %d\n", st.Regenerations)
	}
	if st.Failure != "" {
		fmt.Printf("  Failure:    %s\n", st.Failure)
	}
	fmt.Println()
	fmt.Printf("Progress: %d/%d checkpoints approved\n", st.Progress.Completed, st.Progress.Total)

	return nil
}
