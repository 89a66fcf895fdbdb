// init.go implements the "sluice init" command.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize sluice in the current project",
	Long: `Initialize the .sluice/ directory with a default configuration and a
starter plans file. Existing files are left alone unless you confirm
reinitialization.`,
	RunE: runInit,
}

var forceFlag bool

func init() {
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Reinitialize without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	// Check for an existing .sluice/ directory.
	sluiceDir := filepath.Join(dir, ".sluice")
	if info, statErr := os.Stat(sluiceDir); statErr == nil && info.IsDir() && !forceFlag {
		fmt.Println("Warning: .sluice/ directory already exists.")
		fmt.Print("Reinitialize? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if mkErr := os.MkdirAll(sluiceDir, 0755); mkErr != nil {
		return fmt.Errorf("creating .sluice directory: %w", mkErr)
	}

	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to set up .gitignore: %v\n", err)
	}

	cfg := config.DefaultConfig()
	if writeErr := config.WriteConfig(dir, cfg); writeErr != nil {
		return fmt.Errorf("writing config: %w", writeErr)
	}

	plansPath := config.PlansPath(dir, cfg)
	if _, statErr := os.Stat(plansPath); statErr == nil && !forceFlag {
		fmt.Printf("Keeping existing plans file %s\n", cfg.Plans.File)
	} else {
		if writeErr := os.WriteFile(plansPath, []byte(starterPlans), 0644); writeErr != nil {
			return fmt.Errorf("writing plans file: %w", writeErr)
		}
	}

	fmt.Println()
	fmt.Println("Sluice initialized")
	fmt.Println("Configuration written to .sluice/config.yaml")
	fmt.Printf("Starter plans written to %s\n", cfg.Plans.File)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to define your task waves\n", cfg.Plans.File)
	fmt.Println("  2. Run: sluice serve")
	fmt.Println("  3. Run: sluice start")

	return nil
}

// starterPlans is the worked example written by init. The demo tasks are
// plain shell commands speaking the executor envelope, so a fresh install
// can exercise the full approval flow without any external tooling.
const starterPlans = `# Sluice plans. Each plan is a sequence of waves; tasks within a wave run
# concurrently and every task output becomes a checkpoint to approve.
# Task commands receive JSON input on stdin and must print a JSON object
# with "narrative" and "structured" fields on stdout.
plans:
  - name: demo
    waves:
      - name: gather
        tasks:
          - name: collect
            command: ["sh", "-c", "cat >/dev/null; echo '{\"narrative\":\"Collected 2 inputs.\",\"structured\":{\"items\":2}}'"]
          - name: survey
            command: ["sh", "-c", "cat >/dev/null; echo '{\"narrative\":\"Survey summarized.\",\"structured\":{\"themes\":[\"speed\",\"cost\"]}}'"]
      - name: draft
        tasks:
          - name: draft
            command: ["sh", "-c", "cat >/dev/null; echo '{\"narrative\":\"Draft assembled from wave 1.\",\"structured\":{\"sections\":3}}'"]
`

// ensureGitignore creates or appends to .gitignore so runtime state never
// gets committed. Only entries that are missing are added.
func ensureGitignore(dir string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	// Runtime state; config.yaml and the plans file ARE committed.
	requiredEntries := []string{
		".sluice/sluice.db",
		".sluice/sluice.db-shm",
		".sluice/sluice.db-wal",
		".sluice/events.jsonl",
	}

	existing := ""
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range requiredEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	var toAppend strings.Builder
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		toAppend.WriteString("\n")
	}
	if existing != "" {
		toAppend.WriteString("\n# Added by sluice init\n")
	}
	for _, entry := range missing {
		toAppend.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(toAppend.String()); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}
