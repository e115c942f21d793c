package commands

import (
	"fmt"

	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/sym"
	"github.com/teranos/weft/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string, port int) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	magenta := "\033[35m"
	white := "\033[37m"
	bgBlack := "\033[40m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s%s%s██     ██ ███████ ███████ ████████%s              ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║   %s%s%s██     ██ ██      ██         ██   %s              ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║   %s%s%s██  █  ██ █████   █████      ██   %s              ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║   %s%s%s██ ███ ██ ██      ██         ██   %s              ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║   %s%s%s ███ ███  ███████ ██         ██   %s              ║\n", white, bold, bgBlack, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s%s%s Queue  %s%s%s Wire  %s%s%s Workers  %s%s%s Machines        ║\n",
		blue, sym.Queue, reset+cyan+bold,
		yellow, sym.Wire, reset+cyan+bold,
		green, sym.Worker, reset+cyan+bold,
		magenta, sym.Machine, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ weft Info ─────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	if dbPath != "" {
		fmt.Printf("%s│%s Job store: %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s│%s Port:      %d\n", green, reset, port)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Workers dial ws://localhost:%d/ws/worker/{id}%s\n", yellow, bold, port, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
