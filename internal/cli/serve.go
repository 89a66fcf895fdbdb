// serve.go implements the "sluice serve" command: the orchestration
// server every other command talks to.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/api"
	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/execute"
	"github.com/sluice-dev/sluice/internal/plan"
	"github.com/sluice-dev/sluice/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Start the scheduler and the HTTP API. In-progress sessions from a
previous run are resumed from the database, and the plans file is
reloaded on change while the server runs.`,
	RunE: runServe,
}

var listenFlag string

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, ".sluice")); os.IsNotExist(statErr) {
		return fmt.Errorf(".sluice/ not found. Run 'sluice init' first")
	}

	cfg, err := config.ReadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	// 1. Durable state: session store and event journal.
	store, err := session.NewStore(config.DBPath(dir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	journal, err := event.NewJournal(dir)
	if err != nil {
		return fmt.Errorf("opening event journal: %w", err)
	}
	hub := event.NewHub()

	// 2. Plans, with hot reload while the server runs.
	registry := plan.NewRegistry()
	registry.SetTaskTimeout(time.Duration(cfg.Execution.TaskTimeout) * time.Second)
	plansPath := config.PlansPath(dir, cfg)
	if err := registry.LoadFile(plansPath); err != nil {
		return fmt.Errorf("loading plans: %w", err)
	}
	fmt.Printf("Loaded %d plan(s) from %s\n", len(registry.Names()), cfg.Plans.File)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if cfg.Plans.Watch {
		go func() {
			if watchErr := registry.Watch(watchCtx, plansPath); watchErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: plan watcher stopped: %v\n", watchErr)
			}
		}()
	}

	// 3. Scheduler, picking up where a previous process left off.
	sched := execute.NewScheduler(store, registry, hub, journal, *cfg)
	resumed, err := sched.Resume()
	if err != nil {
		return fmt.Errorf("resuming sessions: %w", err)
	}
	if resumed > 0 {
		fmt.Printf("Resumed %d in-progress session(s)\n", resumed)
	}

	// 4. HTTP API.
	addr := cfg.Server.Listen
	if listenFlag != "" {
		addr = listenFlag
	}
	server, err := api.NewServer(addr, sched, store, hub, *cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if serveErr := server.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()
	fmt.Printf("Listening on %s\n", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case serveErr := <-errCh:
		fmt.Fprintf(os.Stderr, "Server error: %v\n", serveErr)
	}

	cancelWatch()
	if stopErr := server.Stop(); stopErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: stopping server: %v\n", stopErr)
	}
	sched.Stop()
	fmt.Println("Shutdown complete. In-progress sessions resume on the next start.")
	return nil
}
