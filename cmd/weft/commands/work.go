package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/sym"
	"github.com/teranos/weft/worker"
)

// WorkCmd starts a weft worker process
var WorkCmd = &cobra.Command{
	Use:   "work",
	Short: sym.Worker + " Start a worker process",
	Long: sym.Worker + ` Worker - claims and runs jobs from the queue.

The worker connects to the server, registers its capabilities, and
enters the pull loop: claim a job, run it through a connector, stream
progress, report the outcome. Connection loss is survived with
exponential backoff; in-flight jobs are released on shutdown.

Connectors are selected by a manifest (connectors.toml). Without one
the worker runs a single simulation connector, which is enough to
exercise a deployment end to end.

Example:
  weft work                               # sim connector, config defaults
  weft work --connectors connectors.toml  # manifest-defined connectors
  weft work --concurrency 4               # claim up to 4 jobs at once`,
	RunE: runWork,
}

var (
	workServerURL   string
	workConnectors  string
	workConcurrency int
	workWorkerID    string
)

func init() {
	WorkCmd.Flags().StringVar(&workServerURL, "server", "", "Server URL (overrides config)")
	WorkCmd.Flags().StringVar(&workConnectors, "connectors", "", "Path to connector manifest (overrides config)")
	WorkCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "Concurrent job budget (overrides config)")
	WorkCmd.Flags().StringVar(&workWorkerID, "id", "", "Stable worker id (overrides config)")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	wcfg := cfg.Worker
	if workServerURL != "" {
		wcfg.ServerURL = workServerURL
	}
	if workConnectors != "" {
		wcfg.Connectors = workConnectors
	}
	if workConcurrency > 0 {
		wcfg.Concurrency = workConcurrency
	}
	if workWorkerID != "" {
		wcfg.ID = workWorkerID
	}

	connectors, err := worker.LoadConnectors(wcfg.Connectors, wcfg.Services)
	if err != nil {
		return errors.Wrap(err, "failed to load connectors")
	}

	rt, err := worker.NewRuntime(wcfg, connectors)
	if err != nil {
		return errors.Wrap(err, "failed to create worker")
	}

	fmt.Printf("%s Worker %s starting (%d connector(s), concurrency %d)\n",
		sym.Worker, rt.ID(), len(connectors), max(wcfg.Concurrency, 1))
	fmt.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Worker)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Run worker in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- rt.Run(ctx)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "worker stopped")
		}
		return nil
	case <-sigChan:
		fmt.Printf("\n%s Releasing in-flight jobs and disconnecting...\n", sym.Worker)
		cancel()
		if err := <-errChan; err != nil {
			return errors.Wrap(err, "worker shutdown")
		}
		fmt.Printf("%s Worker stopped\n", sym.Worker)
		return nil
	}
}
