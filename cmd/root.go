// Package cmd hosts the gateway CLI.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	// AppName is the binary name shown in help output.
	AppName = "ai-gateway"
	// Version is stamped at release time.
	Version = "0.3.0"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "Local AI gateway with credential pooling and dialect translation",
	Long:    "A local gateway that fronts multiple LLM providers behind OpenAI and Anthropic compatible endpoints, with credential pooling, failover, and stream translation.",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose)
	},
}

// Execute runs the CLI. Exit code 1 marks configuration and runtime errors,
// 2 a port bind failure.
func Execute() {
	// a missing .env is not an error
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", AppName, Version)
	},
}
