package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/server"
)

// ServeCmd starts the weft queue server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the weft queue server",
	Long: `Start the weft queue server: the job broker, the capability matcher,
and the WebSocket connection fabric for workers, clients, and monitors.

The server owns the job store and is the only process that writes it.
Workers connect on /ws/worker/{id}, clients on /ws/client/{id}, and
monitors on /ws/monitor/{id}; the HTTP API is served on the same port.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom job store path (overrides config)")
}

// setupConfigWatcher wires config hot-reload into a running server. The
// watcher follows the highest-precedence config file on disk; a server
// with no config file runs without hot-reload.
func setupConfigWatcher(srv *server.Server) *config.ConfigWatcher {
	configPath := config.ActiveConfigFile()
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		pterm.Warning.Printf("Config watching unavailable (%v); restart to apply config changes\n", err)
		return nil
	}

	// Saves from the config CLI and UI go through the global watcher's
	// own-write guard so they do not trigger a reload of what we just wrote.
	config.SetGlobalWatcher(watcher)

	watcher.OnReload(func(newCfg *config.Config) error {
		srv.ApplyConfig(newCfg)
		return nil
	})
	watcher.Start()

	pterm.Info.Printf("Watching %s for config changes\n", configPath)
	return watcher
}

func runServe(cmd *cobra.Command, args []string) error {
	// Get verbosity flag - default to 1 (Info) for server
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	// Port priority: --port flag > config (env > project > user > system) > default
	port := servePort
	if port == 0 {
		port = config.GetServerPort()
	}

	// Open and migrate the job store
	store, err := openStore(cfg, serveDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	printStartupBanner(verbosity, dbPath, port)

	broker := queue.NewBroker(store, queue.NewNotifier(), cfg.GetQueueConfig())

	// Jobs stranded by a previous crash go back to the queue before any
	// worker connects.
	if released, err := broker.DetectOrphans(cmd.Context()); err != nil {
		pterm.Warning.Printf("Orphan recovery failed: %v\n", err)
	} else if len(released) > 0 {
		pterm.Info.Printf("Recovered %d orphaned job(s)\n", len(released))
	}

	srv, err := server.NewServer(broker, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if watcher := setupConfigWatcher(srv); watcher != nil {
		defer watcher.Stop()
	}

	// Start server in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		// Server failed to start or stopped unexpectedly
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		// Start graceful shutdown in background
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		// Wait for either shutdown completion or second Ctrl+C
		select {
		case err := <-shutdownDone:
			// Graceful shutdown completed
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
