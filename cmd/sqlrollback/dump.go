package main

import (
	"os"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	dumpOutput      string
	dumpTables      []string
	dumpExclude     []string
	dumpCompression string
	dumpDownload    bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write a dump of the configured database",
	Long: `Write a logical dump of the configured database.

Without --output the file is named dump_<database>_<YYYYMMDD-HHhMM> inside the
storage directory. With --download the finished file is also streamed to stdout
and logs go to stderr.`,
	// stdout may carry the artifact, so logs stay on stderr until the config is known.
	PreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stderr)
	},
	RunE: runDump,
}

func init() {
	dumpFlags(dumpCmd)
}

func dumpFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "artifact path without extension")
	cmd.Flags().StringSliceVar(&dumpTables, "tables", nil, "tables to dump (default: configured tables, or all)")
	cmd.Flags().StringSliceVar(&dumpExclude, "exclude", nil, "tables to leave out, added to the configured exclusions")
	cmd.Flags().StringVar(&dumpCompression, "compression", "", "override compression: none, zip or gzip (default: dump.compression)")
	cmd.Flags().BoolVar(&dumpDownload, "download", false, "stream the finished artifact to stdout (default: dump.download)")
}

// applyDumpFlags overrides the configured dump options with the flags given on the command
// line. Flags left at their defaults keep the configured value.
func applyDumpFlags(cmd *cobra.Command, opts *models.DumpOptions) error {
	flags := cmd.Flags()

	if flags.Changed("compression") {
		value, err := flags.GetString("compression")
		if err != nil {
			return err
		}
		format, err := models.ParseCompressionFormat(value)
		if err != nil {
			return err
		}
		opts.Compression = format
	}

	if flags.Changed("download") {
		download, err := flags.GetBool("download")
		if err != nil {
			return err
		}
		opts.DownloadAfterWrite = download
	}
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := applyDumpFlags(cmd, &cfg.Dump); err != nil {
		return err
	}
	setupLogging(logOutput(cfg.Dump.DownloadAfterWrite))

	result, err := execute(cfg, os.Stdout, models.CommandDump, models.CommandRequest{
		Output:  dumpOutput,
		Include: dumpTables,
		Exclude: dumpExclude,
	})
	if err != nil {
		return err
	}

	artifact := result.Artifact
	event := log.Info().
		Int("tables", len(artifact.Tables)).
		Str("size", humanize.Bytes(uint64(artifact.SizeBytes))).
		Dur("duration", result.Duration)
	if artifact.Deleted {
		event.Msg("dump streamed and removed")
	} else {
		event.Str("file", artifact.Path()).Msg("dump completed successfully")
	}
	return nil
}
