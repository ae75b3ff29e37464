package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a rollback point notification.
type TelegramMessage struct {
	Success   bool
	Command   Command
	Host      string
	Database  string
	Point     string
	StartTime time.Time
	Duration  time.Duration

	// Set statistics.
	File      string
	SizeBytes int64
	Tables    int

	// Restore statistics.
	Statements int

	// Error info (if failed).
	FailedStep   string
	ErrorMessage string
	Statement    string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
