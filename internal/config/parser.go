// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/spf13/viper"
)

// DefaultDirectory is where artifacts and the point index live unless configured.
const DefaultDirectory = "./rollback-points"

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("dump.structure", true)
	v.SetDefault("dump.data", true)
	v.SetDefault("dump.drop_table", true)
	v.SetDefault("dump.if_not_exists", true)
	v.SetDefault("dump.create_database", true)
	v.SetDefault("dump.compression", "none")
	v.SetDefault("storage.directory", DefaultDirectory)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{}

	// Parse MySQL connection (required).
	cfg.MySQL = models.ConnectionConfig{
		Host:     p.v.GetString("mysql.host"),
		Port:     p.v.GetInt("mysql.port"),
		Username: p.expandEnv(p.v.GetString("mysql.username")),
		Password: p.expandEnv(p.v.GetString("mysql.password")),
		Database: p.v.GetString("mysql.database"),
	}

	if cfg.MySQL.Username == "" {
		return nil, fmt.Errorf("mysql.username is required")
	}
	if cfg.MySQL.Database == "" {
		return nil, fmt.Errorf("mysql.database is required")
	}

	// Parse optional SSH tunnel.
	if p.v.IsSet("mysql.ssh_tunnel") { //nolint:nestif // config parsing with defaults
		tunnel := &models.SSHTunnelConfig{
			Host:     p.v.GetString("mysql.ssh_tunnel.host"),
			Port:     p.v.GetInt("mysql.ssh_tunnel.port"),
			Username: p.v.GetString("mysql.ssh_tunnel.username"),
			KeyPath:  p.expandEnv(p.v.GetString("mysql.ssh_tunnel.key_path")),
			Timeout:  p.v.GetDuration("mysql.ssh_tunnel.timeout"),
		}

		if tunnel.Host == "" {
			return nil, fmt.Errorf("mysql.ssh_tunnel.host is required when ssh_tunnel is configured")
		}
		if tunnel.KeyPath == "" {
			return nil, fmt.Errorf("mysql.ssh_tunnel.key_path is required when ssh_tunnel is configured")
		}
		if tunnel.Port == 0 {
			tunnel.Port = 22
		}
		if tunnel.Username == "" {
			tunnel.Username = "root"
		}
		if tunnel.Timeout == 0 {
			tunnel.Timeout = 30 * time.Second
		}
		cfg.MySQL.Tunnel = tunnel
	}

	// Parse table selection.
	cfg.Tables = models.TableFilter{
		Include: p.v.GetStringSlice("tables.include"),
		Exclude: p.v.GetStringSlice("tables.exclude"),
	}

	// Parse dump options.
	compression, err := models.ParseCompressionFormat(p.v.GetString("dump.compression"))
	if err != nil {
		return nil, fmt.Errorf("dump.compression: %w", err)
	}
	cfg.Dump = models.DumpOptions{
		DumpStructure:                p.v.GetBool("dump.structure"),
		DumpData:                     p.v.GetBool("dump.data"),
		AddDropTableIfExists:         p.v.GetBool("dump.drop_table"),
		RewriteCreateAsIfNotExists:   p.v.GetBool("dump.if_not_exists"),
		AddCreateDatabaseIfNotExists: p.v.GetBool("dump.create_database"),
		Compression:                  compression,
		DeleteAfterCompress:          p.v.GetBool("dump.delete_after_compress"),
		DownloadAfterWrite:           p.v.GetBool("dump.download"),
	}

	// Parse storage settings.
	cfg.Storage = models.StorageSettings{
		Directory: p.expandEnv(p.v.GetString("storage.directory")),
		Host:      p.v.GetString("storage.host"),
	}

	// Set default host if not specified.
	if cfg.Storage.Host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			cfg.Storage.Host = "unknown"
		} else {
			cfg.Storage.Host = hostname
		}
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			Target:        p.v.GetString("wol.target"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Target == "" {
			cfg.WOL.Target = wakeTarget(cfg.MySQL)
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional restic config.
	if p.v.IsSet("restic") {
		cfg.Restic = &models.ResticConfig{
			Repository:   p.expandEnv(p.v.GetString("restic.repository")),
			Password:     p.expandEnv(p.v.GetString("restic.password")),
			RestUser:     p.expandEnv(p.v.GetString("restic.rest_user")),
			RestPassword: p.expandEnv(p.v.GetString("restic.rest_password")),
			KeepLast:     p.v.GetInt("restic.keep_last"),
		}

		if cfg.Restic.Repository == "" {
			return nil, fmt.Errorf("restic.repository is required when restic is configured")
		}
		if cfg.Restic.Password == "" {
			return nil, fmt.Errorf("restic.password is required when restic is configured")
		}
		if cfg.Restic.KeepLast < 0 {
			return nil, fmt.Errorf("restic.keep_last must not be negative")
		}
	}

	// Parse optional S3 config.
	if p.v.IsSet("s3") {
		cfg.S3 = &models.S3Config{
			Bucket:    p.v.GetString("s3.bucket"),
			Region:    p.v.GetString("s3.region"),
			Endpoint:  p.v.GetString("s3.endpoint"),
			AccessKey: p.expandEnv(p.v.GetString("s3.access_key")),
			SecretKey: p.expandEnv(p.v.GetString("s3.secret_key")),
			Prefix:    p.v.GetString("s3.prefix"),
			PathStyle: p.v.GetBool("s3.path_style"),
		}

		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3.bucket is required when s3 is configured")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		if cfg.S3.AccessKey != "" && cfg.S3.SecretKey == "" {
			return nil, fmt.Errorf("s3.secret_key is required when s3.access_key is set")
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional metrics config.
	if p.v.IsSet("metrics") {
		cfg.Metrics = &models.MetricsConfig{
			PushgatewayURL: p.expandEnv(p.v.GetString("metrics.pushgateway_url")),
			Job:            p.v.GetString("metrics.job"),
			Timeout:        p.v.GetDuration("metrics.timeout"),
		}

		if cfg.Metrics.PushgatewayURL == "" {
			return nil, fmt.Errorf("metrics.pushgateway_url is required when metrics is configured")
		}
		if cfg.Metrics.Job == "" {
			cfg.Metrics.Job = "sqlrollback"
		}
		if cfg.Metrics.Timeout == 0 {
			cfg.Metrics.Timeout = 10 * time.Second
		}
	}

	return cfg, nil
}

// wakeTarget is the port that answers once the database host is up: the SSH bastion when
// tunnelling, the MySQL server otherwise.
func wakeTarget(c models.ConnectionConfig) string {
	if c.Tunnel != nil {
		return net.JoinHostPort(c.Tunnel.Host, strconv.Itoa(c.Tunnel.Port))
	}
	return c.Addr()
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.MySQL.Username == "" {
		return fmt.Errorf("mysql.username is required")
	}

	if cfg.MySQL.Database == "" {
		return fmt.Errorf("mysql.database is required")
	}

	if cfg.MySQL.Port <= 0 || cfg.MySQL.Port > 65535 {
		return fmt.Errorf("mysql.port %d is out of range", cfg.MySQL.Port)
	}

	if cfg.Storage.Directory == "" {
		return fmt.Errorf("storage.directory is required")
	}

	for _, name := range cfg.Tables.Include {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tables.include contains an empty name")
		}
	}

	return nil
}
