// start.go implements the "sluice start" command.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session",
	Long: `Create a session and kick off its first wave. The session runs on the
server; use 'sluice watch' to follow it and 'sluice approve' to clear
its checkpoints.`,
	RunE: runStart,
}

var (
	planFlag string
	modeFlag string
)

func init() {
	startCmd.Flags().StringVar(&planFlag, "plan", "", "Plan to run (default: the configured default plan)")
	startCmd.Flags().StringVar(&modeFlag, "mode", "", "Depth hint passed to tasks: fast, balanced, or deep")
}

func runStart(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	resp, err := c.Start(planFlag, modeFlag)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	fmt.Printf("Session %s started (plan %s, %d checkpoints)\n", resp.SessionID, resp.Plan, resp.TotalCheckpoints)
	fmt.Println()
	fmt.Println("Follow it with:")
	fmt.Printf("  sluice watch %s\n", resp.SessionID)
	return nil
}
