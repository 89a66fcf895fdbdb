// result.go implements the "sluice result" command.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result <session-id>",
	Short: "Print a completed session's terminal artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

func runResult(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	art, err := c.Result(args[0])
	if err != nil {
		return fmt.Errorf("fetching result: %w", err)
	}

	pretty, err := prettyJSON(art)
	if err != nil {
		fmt.Println(string(art))
		return nil
	}
	fmt.Println(pretty)
	return nil
}
