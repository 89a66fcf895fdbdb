// approve.go implements the "sluice approve" command.
package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <session-id> <number>",
	Short: "Approve a checkpoint",
	Long: `Approve checkpoint <number> and let the session proceed. Approvals
must be sequential; the server refuses anything but the next pending
checkpoint.`,
	Args: cobra.ExactArgs(2),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("checkpoint number must be an integer: %q", args[1])
	}

	c, err := client()
	if err != nil {
		return err
	}

	resp, err := c.Approve(args[0], number)
	if err != nil {
		return fmt.Errorf("approving checkpoint %d: %w", number, err)
	}

	fmt.Println(resp.Message)
	return nil
}
