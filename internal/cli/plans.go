// plans.go implements the "sluice plans" command.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/plan"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List the plans defined in the local plans file",
	Long: `Parse and validate the plans file without talking to the server.
Useful for checking an edit before the running server picks it up.`,
	RunE: runPlans,
}

func runPlans(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, err := config.ReadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	plans, err := plan.LoadFile(config.PlansPath(dir, cfg), time.Duration(cfg.Execution.TaskTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("loading plans: %w", err)
	}

	for _, p := range plans {
		marker := " "
		if p.Name == cfg.Plans.Default {
			marker = "*"
		}
		fmt.Printf("%s %s: %d wave(s), %d task(s), %d checkpoints\n",
			marker, p.Name, len(p.Waves), p.TaskCount(), p.TotalCheckpoints())
		for i, w := range p.Waves {
			names := make([]string, len(w.Tasks))
			for j, t := range w.Tasks {
				names[j] = t.Name
			}
			fmt.Printf("    wave %d (%s): %v\n", i+1, w.Name, names)
		}
		fmt.Printf("    final: %s\n", p.FinalName())
	}
	return nil
}
