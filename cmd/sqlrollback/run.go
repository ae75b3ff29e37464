package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/blastware/sqlrollback/internal/config"
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/rollback"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var errConfigRequired = errors.New("config file is required")

// loadConfig parses and validates the --config file.
func loadConfig(cmd *cobra.Command) (*models.AppConfig, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		_ = cmd.Help()
		return nil, errConfigRequired
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	if !cfg.Dump.DumpStructure && !cfg.Dump.DumpData {
		log.Warn().Msg("dump.structure and dump.data are both disabled, dumps hold only the header")
	}

	log.Info().
		Str("config", configFile).
		Str("database", cfg.MySQL.Database).
		Str("directory", cfg.Storage.Directory).
		Msg("configuration loaded")

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// execute runs one rollback command with the loaded configuration.
func execute(
	cfg *models.AppConfig,
	download io.Writer,
	command models.Command,
	req models.CommandRequest,
) (*models.CommandResult, error) {
	ctx, cancel := signalContext()
	defer cancel()

	svc := rollback.New(log.Logger, *cfg, download)
	result, err := svc.Execute(ctx, command, req)
	if err != nil {
		log.Error().Err(err).Str("command", command.String()).Msg("command failed")
		return nil, err
	}
	return result, nil
}
