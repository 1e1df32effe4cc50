package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  ┌─┐┌─┐┬ ┬┌┐┌┌─┐┬┬
  │  │ ││ │││││  ││
  └─┘└─┘└─┘┘└┘└─┘┴┴─┘`

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "councild",
		Short:         "LifeOS council server",
		Long:          color.CyanString(banner) + "\nBrokers LLM council queries between HTTP clients and the LifeOS browser extension.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newRequestsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
