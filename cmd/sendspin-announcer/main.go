// ABOUTME: Entry point for the Sendspin announcer
// ABOUTME: Cobra root command with run and status subcommands bound to viper configuration
package main

import (
	"fmt"
	"os"

	"github.com/Sendspin/sendspin-announcer/internal/config"
	"github.com/Sendspin/sendspin-announcer/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:           config.AppName,
		Short:         "Announce messages on networked speakers, pausing and resuming their streams",
		SilenceErrors: false,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.ReadInConfig(viper.GetViper(), configFile)
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version.Version
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default searched as %s.yaml in the user config dir)", config.AppName))
	rootCmd.PersistentFlags().String("state", "", "state file path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag(config.KeyStatePath, rootCmd.PersistentFlags().Lookup("state"))
	_ = viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))

	log.SetReportTimestamp(true)

	rootCmd.AddCommand(runCmd, statusCmd)
}
