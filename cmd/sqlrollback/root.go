package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sqlrollback",
	Short: "MySQL dumps and named rollback points",
	Long: `sqlrollback writes logical dumps of a MySQL database and replays them:
  - Plain SQL dumps, optionally zip or gzip compressed
  - Named rollback points kept in a local index
  - Restores from a rollback point or any dump file
  - Optional Wake-on-LAN and SSH tunnel to reach the database host
  - Optional offsite copies to restic and S3
  - Telegram notifications and Pushgateway metrics

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stdout)
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(pointCmd)
	rootCmd.AddCommand(validateCmd)
}

// logOutput returns the log destination. Dump bytes own stdout when streamed.
func logOutput(download bool) io.Writer {
	if download {
		return os.Stderr
	}
	return os.Stdout
}

func setupLogging(out io.Writer) {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
