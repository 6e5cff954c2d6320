// Package cmd provides the CLI commands for docsift.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/pkg/version"
)

// configPath is the config file location, shared by all commands.
var configPath string

// NewRootCmd creates the root command for the docsift CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsift",
		Short: "Local document ingestion and search service",
		Long: `Docsift watches a document folder, extracts page content, and serves
keyword and semantic search over an HTTP API.

Run 'docsift serve' to start the service, then point clients at the
API or trigger scans with 'docsift scan'.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("docsift version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config",
		filepath.Join(".docsift", config.DefaultConfigName),
		"Path to the config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
