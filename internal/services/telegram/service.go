// Package telegram sends rollback point notifications to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// maxStatementLen bounds the failing statement quoted in a message.
const maxStatementLen = 500

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification reports the outcome of a rollback command via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("command", msg.Command.String()).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	text := s.formatMessage(msg)

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	action := actionTitle(msg.Command)
	if msg.Success {
		b.WriteString(fmt.Sprintf("✅ <b>%s</b>\n\n", action))
	} else {
		b.WriteString(fmt.Sprintf("❌ <b>%s failed</b>\n\n", action))
	}

	b.WriteString(fmt.Sprintf("🖥 <b>Host:</b> %s\n", escapeHTML(msg.Host)))
	b.WriteString(fmt.Sprintf("🗄 <b>Database:</b> %s\n", escapeHTML(msg.Database)))
	if msg.Point != "" {
		b.WriteString(fmt.Sprintf("📌 <b>Point:</b> %s\n", escapeHTML(msg.Point)))
	}
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))

	if !msg.Success {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		if msg.FailedStep != "" {
			b.WriteString(fmt.Sprintf("  • Failed step: %s\n", escapeHTML(msg.FailedStep)))
		}
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(msg.ErrorMessage)))
		if msg.Statement != "" {
			b.WriteString(fmt.Sprintf("  • Statement: <code>%s</code>\n", escapeHTML(truncate(msg.Statement, maxStatementLen))))
		}
		return b.String()
	}

	switch msg.Command {
	case models.CommandRestore:
		b.WriteString("\n<b>📊 Restore Statistics:</b>\n")
		b.WriteString(fmt.Sprintf("  • Statements: %s\n", humanize.Comma(int64(msg.Statements))))
	default:
		b.WriteString("\n<b>📊 Dump Statistics:</b>\n")
		b.WriteString(fmt.Sprintf("  • File: <code>%s</code>\n", escapeHTML(msg.File)))
		b.WriteString(fmt.Sprintf("  • Size: %s\n", humanize.Bytes(uint64(msg.SizeBytes))))
		b.WriteString(fmt.Sprintf("  • Tables: %d\n", msg.Tables))
	}

	return b.String()
}

func actionTitle(cmd models.Command) string {
	switch cmd {
	case models.CommandSet:
		return "Rollback point set"
	case models.CommandRestore:
		return "Rollback point restored"
	case models.CommandDelete:
		return "Rollback point deleted"
	default:
		return "Dump written"
	}
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
