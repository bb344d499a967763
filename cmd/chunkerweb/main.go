package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "chunkerweb"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Web bridge for the Chunker world converter",
	Long: `chunkerweb serves the Chunker web UI and runs one converter worker per
browser session:
  - WebSocket sessions bridged to the converter CLI
  - world uploads and converted archive downloads
  - a SQLite ledger of sessions and uploads, reaped in the background`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to chunkerweb.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s %s\n", appName, version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
	},
}
