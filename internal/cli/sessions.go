// sessions.go implements the "sluice sessions" command.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE:  runSessions,
}

var sessionsLimitFlag int

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimitFlag, "limit", 20, "Maximum number of sessions to list")
}

func runSessions(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	sessions, err := c.Sessions(sessionsLimitFlag)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet; start one with: sluice start")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("  %s  %-11s  %-10s  %d/%d approved  %s\n",
			s.ID, s.Status, s.Plan, s.ApprovedThrough, s.TotalCheckpoints,
			s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
