package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd is the cobra CLI command for the version subcommand
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Dilsor binary version information",
		Run:   cmdVersion,
	}
}

// cmdVersion is the handler for the version subcommand
func cmdVersion(*cobra.Command, []string) {
	fmt.Println(BuildDetails())
}

// BuildDetails returns the build details of the binary
func BuildDetails() string {
	if version == "" {
		return `
Dilsor (unknown version)
For documentation, visit https://github.com/dilsor/dilsor

To build with version information please use the Makefile
> git clone https://github.com/dilsor/dilsor
> cd dilsor && make install
`
	}

	return fmt.Sprintf(`
Dilsor %v
For documentation, visit https://github.com/dilsor/dilsor

Commit SHA-1          : %v
Commit timestamp      : %v
Go version            : %v
`,
		version,
		commit,
		date,
		runtime.Version())
}
