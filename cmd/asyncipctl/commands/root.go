package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level cobra command for asyncipctl.
var rootCmd = &cobra.Command{
	Use:   "asyncipctl",
	Short: "Smoke-test and demo client for the async IP connection engine",
	Long: "asyncipctl drives the connection engine's Go API directly, in-process, " +
		"to exercise and demonstrate its server/client socket endpoints without " +
		"requiring a running daemon. Connections opened with 'open' persist only " +
		"for the lifetime of one asyncipctl process, so multi-step workflows " +
		"belong in 'shell'.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(writeCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
