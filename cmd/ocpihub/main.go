package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ocpihub.org/internal/config"
)

const programName = "ocpihub"

var version = "0.1.0"

var (
	configFile string
	cfg        config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "OCPI 2.3.0 roaming hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(adminTokenCommand())
	rootCmd.AddCommand(smokeCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), programName, version)
		},
	}
}
