package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blastware/sqlrollback/internal/config"
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/blastware/sqlrollback/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateConnect bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without dumping or restoring anything.
With --connect the SSH tunnel (if configured) and the MySQL login are tested too.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&validateConnect, "connect", false, "also test the SSH tunnel and database login")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	printSummary(cfg)

	if validateConnect {
		ctx, cancel := signalContext()
		defer cancel()
		return testConnection(ctx, cfg)
	}
	return nil
}

func printSummary(cfg *models.AppConfig) {
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Server: %s\n", cfg.MySQL.Addr())
	fmt.Printf("  Database: %s\n", cfg.MySQL.Database)
	fmt.Printf("  Username: %s\n", cfg.MySQL.Username)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Directory)
	fmt.Printf("  Host: %s\n", cfg.Storage.Host)
	fmt.Println()
	fmt.Println("Tables:")
	if len(cfg.Tables.Include) == 0 {
		fmt.Println("  Include: (all)")
	} else {
		fmt.Printf("  Include: %s\n", strings.Join(cfg.Tables.Include, ", "))
	}
	if len(cfg.Tables.Exclude) > 0 {
		fmt.Printf("  Exclude: %s\n", strings.Join(cfg.Tables.Exclude, ", "))
	}
	fmt.Println()
	fmt.Println("Dump:")
	fmt.Printf("  Structure: %v\n", cfg.Dump.DumpStructure)
	fmt.Printf("  Data: %v\n", cfg.Dump.DumpData)
	fmt.Printf("  Drop table if exists: %v\n", cfg.Dump.AddDropTableIfExists)
	fmt.Printf("  Create if not exists: %v\n", cfg.Dump.RewriteCreateAsIfNotExists)
	fmt.Printf("  Create database: %v\n", cfg.Dump.AddCreateDatabaseIfNotExists)
	fmt.Printf("  Compression: %s\n", cfg.Dump.Compression)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  SSH Tunnel: %v\n", cfg.MySQL.Tunnel != nil)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Restic: %v\n", cfg.Restic != nil)
	fmt.Printf("  S3: %v\n", cfg.S3 != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)

	if t := cfg.MySQL.Tunnel; t != nil {
		fmt.Println()
		fmt.Println("SSH Tunnel Configuration:")
		fmt.Printf("  Host: %s\n", t.Host)
		fmt.Printf("  Port: %d\n", t.Port)
		fmt.Printf("  Username: %s\n", t.Username)
	}

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		fmt.Printf("  Target: %s\n", cfg.WOL.Target)
	}

	if cfg.Restic != nil {
		fmt.Println()
		fmt.Println("Restic Configuration:")
		fmt.Printf("  Repository: %s\n", cfg.Restic.Repository)
		fmt.Printf("  Keep last: %d\n", cfg.Restic.KeepLast)
	}

	if cfg.S3 != nil {
		fmt.Println()
		fmt.Println("S3 Configuration:")
		fmt.Printf("  Bucket: %s\n", cfg.S3.Bucket)
		fmt.Printf("  Region: %s\n", cfg.S3.Region)
		if cfg.S3.Endpoint != "" {
			fmt.Printf("  Endpoint: %s\n", cfg.S3.Endpoint)
		}
		if cfg.S3.Prefix != "" {
			fmt.Printf("  Prefix: %s\n", cfg.S3.Prefix)
		}
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if cfg.Metrics != nil {
		fmt.Println()
		fmt.Println("Metrics Configuration:")
		fmt.Printf("  Pushgateway: %s\n", cfg.Metrics.PushgatewayURL)
		fmt.Printf("  Job: %s\n", cfg.Metrics.Job)
	}
}

func testConnection(ctx context.Context, cfg *models.AppConfig) error {
	fmt.Println()
	fmt.Println("Connectivity:")

	opts := []mysql.Option{mysql.WithLogger(log.Logger)}

	if cfg.MySQL.Tunnel != nil {
		sshSvc := ssh.New(log.Logger)
		result, err := sshSvc.TestConnection(ctx, *cfg.MySQL.Tunnel)
		if err != nil {
			return err
		}
		if result.Error != nil {
			fmt.Printf("  SSH: failed (%v)\n", result.Error)
			return result.Error
		}
		fmt.Println("  SSH: ok")

		tunnel, err := sshSvc.Open(ctx, *cfg.MySQL.Tunnel)
		if err != nil {
			return err
		}
		defer func() { _ = tunnel.Close() }()
		opts = append(opts, mysql.WithDialer(tunnel.DialContext))
	}

	session, err := mysql.Open(ctx, cfg.MySQL, opts...)
	if err != nil {
		fmt.Printf("  MySQL: failed (%v)\n", err)
		return err
	}
	defer func() { _ = session.Close() }()

	var version string
	if err := session.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		fmt.Printf("  MySQL: failed (%v)\n", err)
		return err
	}
	fmt.Printf("  MySQL: ok (server %s)\n", version)
	return nil
}
