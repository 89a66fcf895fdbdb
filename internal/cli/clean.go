// clean.go implements the "sluice clean" command for pruning old sessions.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/session"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune old finished sessions from the database",
	Long: `Delete completed and failed sessions older than --age days, with
their checkpoints, contexts, and artifacts. In-progress sessions are
never touched. Operates on the local database directly.`,
	RunE: runClean,
}

var (
	cleanAgeFlag    int
	cleanDryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&cleanAgeFlag, "age", 30, "Prune sessions finished more than this many days ago")
	cleanCmd.Flags().BoolVar(&cleanDryRunFlag, "dry-run", false, "List what would be pruned without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	if cleanAgeFlag < 0 {
		return fmt.Errorf("--age must not be negative")
	}

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	store, err := session.NewStore(config.DBPath(dir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	cutoff := time.Now().AddDate(0, 0, -cleanAgeFlag)
	pruned, err := store.PruneSessions(cutoff, cleanDryRunFlag)
	if err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}

	if len(pruned) == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}

	verb := "Pruned"
	if cleanDryRunFlag {
		verb = "Would prune"
	}
	fmt.Printf("%s %d session(s):\n", verb, len(pruned))
	for _, id := range pruned {
		fmt.Printf("  %s\n", id)
	}
	return nil
}
