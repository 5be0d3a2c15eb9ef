// Ponya — sandboxed project runner with a self-healing feedback loop.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ponya",
	Short: "Ponya — run uploaded web projects in a disposable sandbox and heal them as they break.",
	Long: `Ponya boots uploaded project archives inside a disposable sandbox, streams
build and dev-server output, and feeds detected errors through an external
fixing service. Patches are applied to the running sandbox without a restart,
bounded by a per-session attempt budget.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
