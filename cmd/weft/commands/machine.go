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
	"github.com/teranos/weft/machine"
	"github.com/teranos/weft/sym"
)

// MachineCmd starts the machine status publisher
var MachineCmd = &cobra.Command{
	Use:   "machine",
	Short: sym.Machine + " Start the machine status publisher",
	Long: sym.Machine + ` Machine status publisher.

Samples local hardware (CPU, memory, load, uptime), probes configured
local services, summarizes this machine's workers, and publishes a
compact snapshot to the server. Snapshots are change-driven with a
periodic floor so monitors always see liveness; a final shutdown
snapshot is published on exit.

Probes are configured under [machine.probes] in weft.toml:
  [machine.probes]
  ollama = "http://localhost:11434"
  comfyui = "http://localhost:8188"

Example:
  weft machine                # publish with config defaults
  weft machine --server http://queue.internal:7770`,
	RunE: runMachine,
}

var machineServerURL string

func init() {
	MachineCmd.Flags().StringVar(&machineServerURL, "server", "", "Server URL (overrides config)")
}

func runMachine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if machineServerURL != "" {
		cfg.Client.ServerURL = machineServerURL
	}

	agg, err := machine.NewAggregator(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create aggregator")
	}

	fmt.Printf("%s Machine status publisher starting\n", sym.Machine)
	fmt.Printf("%s Press Ctrl+C to stop\n\n", sym.Machine)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- agg.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "aggregator stopped")
		}
		return nil
	case <-sigChan:
		fmt.Printf("\n%s Publishing shutdown snapshot...\n", sym.Machine)
		cancel()
		if err := <-errChan; err != nil {
			return errors.Wrap(err, "aggregator shutdown")
		}
		fmt.Printf("%s Machine status publisher stopped\n", sym.Machine)
		return nil
	}
}
