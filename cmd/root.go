// Package cmd defines the CLI commands for the ragline executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragline",
		Short: "Crawl-and-index pipeline feeding retrieval-augmented agents",
		Long: `ragline ingests web content for retrieval-augmented generation.
It crawls sites politely, converts HTML, PDFs, and images to Markdown,
chunks and embeds the results, and keeps the vector index consistent
with the relational store.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
