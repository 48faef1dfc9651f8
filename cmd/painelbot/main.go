// painelbot runs the real-time sync core of the bot control plane: it keeps
// the domain caches, pairing sessions, and notification queue fresh from the
// backend push channel and serves read-only snapshots over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "painelbot",
	Short:   "Real-time sync core for the bot control plane",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
