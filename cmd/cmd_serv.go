package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dilsor/dilsor/serv"
)

// ANSI color codes
const (
	colorCyan    = "\033[36m"
	colorMagenta = "\033[35m"
	colorReset   = "\033[0m"
)

// printBanner prints the ASCII art banner on startup
func printBanner() {
	// Respect NO_COLOR environment variable for CI environments
	noColor := os.Getenv("NO_COLOR") != ""

	cyan := colorCyan
	magenta := colorMagenta
	reset := colorReset

	if noColor {
		cyan = ""
		magenta = ""
		reset = ""
	}

	banner := fmt.Sprintf(`
%s ██████╗ ██╗██╗     %s%s███████╗ ██████╗ ██████╗ %s
%s ██╔══██╗██║██║     %s%s██╔════╝██╔═══██╗██╔══██╗%s
%s ██║  ██║██║██║     %s%s███████╗██║   ██║██████╔╝%s
%s ██║  ██║██║██║     %s%s╚════██║██║   ██║██╔══██╗%s
%s ██████╔╝██║███████╗%s%s███████║╚██████╔╝██║  ██║%s
%s ╚═════╝ ╚═╝╚══════╝%s%s╚══════╝ ╚═════╝ ╚═╝  ╚═╝%s

`,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
	)

	fmt.Print(banner)
}

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the Dilsor service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	printBanner()
	setup(cpath)

	ds, err := serv.NewDilsorService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}

	if err := ds.Start(); err != nil {
		log.Fatalf("%s", err)
	}
}
