// reject.go implements the "sluice reject" command.
package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var rejectCmd = &cobra.Command{
	Use:   "reject <session-id> <number> <feedback>",
	Short: "Reject a checkpoint with feedback",
	Long: `Record feedback against checkpoint <number>. Depending on the server's
reject policy the task is either re-run with the feedback before the
checkpoint comes back for approval, or the feedback is recorded and the
session moves on.`,
	Args: cobra.ExactArgs(3),
	RunE: runReject,
}

func runReject(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("checkpoint number must be an integer: %q", args[1])
	}
	feedback := args[2]
	if feedback == "" {
		return fmt.Errorf("feedback must not be empty")
	}

	c, err := client()
	if err != nil {
		return err
	}

	resp, err := c.Reject(args[0], number, feedback)
	if err != nil {
		return fmt.Errorf("rejecting checkpoint %d: %w", number, err)
	}

	fmt.Println(resp.Message)
	return nil
}
