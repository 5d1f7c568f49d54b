// Command driftsync runs the local-first sync daemon and its management
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Local-first workspace sync daemon",
	Long: `driftsync keeps a per-device embedded database consistent across the
devices sharing a workspace, and moves binary attachments through a
content-addressed transfer pipeline.

Local writes are captured into a durable outbox and pushed in batches;
remote changes are pulled through a per-workspace cursor and resolved
deterministically on conflict. Attachments are deduplicated by content
hash and transferred through short-lived presigned URLs.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: ./driftsync.yaml or ~/.config/driftsync/driftsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
