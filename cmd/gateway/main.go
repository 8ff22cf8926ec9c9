package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "IoT gateway core: BLE adapter management and cloud uplink",
	Long: `Gateway mediates between local devices (BLE today, more transports later)
and a cloud server over a persistent WebSocket uplink:

- Maintains BLE adapters, tracks device presence and runs discovery
- Multiplexes request/response traffic over a single reconnecting uplink
- Routes accept/unpair/set-value commands to the right device driver
- Ships a virtual device driver for exercising the above without hardware`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides config")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print gateway version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("gateway %s (commit %s, built %s)\n", formatVersion(version), commit, date)
		return nil
	},
}
