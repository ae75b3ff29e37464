// Package models contains the data structures used throughout sqlrollback.
package models

import "time"

// AppConfig holds the complete configuration for a sqlrollback invocation.
type AppConfig struct {
	MySQL    ConnectionConfig
	Tables   TableFilter
	Dump     DumpOptions
	Storage  StorageSettings
	WOL      *WOLConfig      // nil if not configured
	Restic   *ResticConfig   // nil if not configured
	S3       *S3Config       // nil if not configured
	Telegram *TelegramConfig // nil if not configured
	Metrics  *MetricsConfig  // nil if not configured
}

// TableFilter selects the tables a dump operates on. An empty Include means all tables.
type TableFilter struct {
	Include []string
	Exclude []string
}

// StorageSettings controls where artifacts and the rollback point index live.
type StorageSettings struct {
	Directory string
	Host      string // reported in notifications and metrics labels
}

// ResticConfig holds the restic repository used for offsite copies of rollback points.
type ResticConfig struct {
	Repository   string
	Password     string
	RestUser     string // optional, for REST server auth
	RestPassword string // optional, for REST server auth
	KeepLast     int    // snapshots kept per rollback point tag, 0 disables forget
}

// S3Config holds the bucket used for offsite copies of rollback points.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	PathStyle bool
}

// MetricsConfig enables pushing run metrics to a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
	Timeout        time.Duration
}
