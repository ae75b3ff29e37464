package main

import (
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replay a dump file against the configured database",
	Long: `Replay a dump file statement by statement. Zip and gzip artifacts are read
directly. The restore stops at the first failing statement; statements executed
before it stay applied.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	result, err := execute(cfg, nil, models.CommandRestore, models.CommandRequest{Input: args[0]})
	if err != nil {
		return err
	}

	logRestore(result)
	return nil
}

func logRestore(result *models.CommandResult) {
	if result.Restore.Dangling != "" {
		log.Warn().Str("fragment", result.Restore.Dangling).Msg("unterminated statement at end of file was not executed")
	}
	log.Info().
		Str("file", result.Restore.Path).
		Str("statements", humanize.Comma(int64(result.Restore.Statements))).
		Dur("duration", result.Duration).
		Msg("restore completed successfully")
}
