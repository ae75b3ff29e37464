package main

import (
	"fmt"
	"strings"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pointTables  []string
	pointExclude []string
)

var pointCmd = &cobra.Command{
	Use:   "point",
	Short: "Manage named rollback points",
	Long: `Rollback points are named dumps kept in the storage directory and recorded in
points.yaml. Setting an existing name replaces its dump.`,
}

var pointSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Dump the database into a rollback point",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoint,
}

var pointRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore the database from a rollback point",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoint,
}

var pointDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a rollback point and its offsite copies",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoint,
}

var pointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rollback points, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runPoint,
}

func init() {
	pointSetCmd.Flags().StringSliceVar(&pointTables, "tables", nil, "tables to dump (default: configured tables, or all)")
	pointSetCmd.Flags().StringSliceVar(&pointExclude, "exclude", nil, "tables to leave out, added to the configured exclusions")

	pointCmd.AddCommand(pointSetCmd)
	pointCmd.AddCommand(pointRestoreCmd)
	pointCmd.AddCommand(pointDeleteCmd)
	pointCmd.AddCommand(pointListCmd)
}

// pointRequest builds the request of a point subcommand. Subcommands are named after the
// rollback command they run.
func pointRequest(cmd *cobra.Command, args []string) (models.Command, models.CommandRequest, error) {
	command, err := models.ParseCommand(cmd.Name())
	if err != nil {
		return 0, models.CommandRequest{}, err
	}

	var req models.CommandRequest
	if len(args) > 0 {
		req.Name = args[0]
	}
	if command == models.CommandSet {
		req.Include = pointTables
		req.Exclude = pointExclude
	}
	return command, req, nil
}

func runPoint(cmd *cobra.Command, args []string) error {
	command, req, err := pointRequest(cmd, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	result, err := execute(cfg, nil, command, req)
	if err != nil {
		return err
	}

	switch command {
	case models.CommandSet:
		log.Info().
			Str("point", result.Point.Name).
			Str("file", result.Point.File).
			Str("size", humanize.Bytes(uint64(result.Point.SizeBytes))).
			Strs("offsite", result.Point.Offsite).
			Msg("rollback point set")
	case models.CommandRestore:
		logRestore(result)
	case models.CommandDelete:
		log.Info().Str("point", result.Point.Name).Msg("rollback point deleted")
	case models.CommandList:
		printPoints(result.Points)
	}
	return nil
}

func printPoints(points []models.RollbackPoint) {
	if len(points) == 0 {
		fmt.Println("No rollback points.")
		return
	}

	for _, p := range points {
		fmt.Printf("%s\n", p.Name)
		fmt.Printf("  Created: %s (%s)\n", p.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(p.CreatedAt))
		fmt.Printf("  File: %s\n", p.File)
		fmt.Printf("  Size: %s\n", humanize.Bytes(uint64(p.SizeBytes)))
		if len(p.Tables) > 0 {
			fmt.Printf("  Tables: %s\n", strings.Join(p.Tables, ", "))
		}
		if len(p.Offsite) > 0 {
			fmt.Printf("  Offsite: %s\n", strings.Join(p.Offsite, ", "))
		}
	}
}
