package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func TestSendNotification_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":true}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.TelegramMessage{
		Success:   true,
		Command:   models.CommandSet,
		Host:      "db1",
		Database:  "shop",
		Point:     "before-migration",
		StartTime: time.Now().Add(-time.Minute),
		Duration:  time.Minute,
		File:      "/var/backups/database-backup-before-migration-1.sql.gz",
		SizeBytes: 2048,
		Tables:    3,
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)

	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "Rollback point set")
	assert.Contains(t, capturedBody.Text, "before-migration")
}

func TestSendNotification_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(*http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	result, err := svc.SendNotification(context.Background(), testConfig(), models.TelegramMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send request")
}

func TestSendNotification_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":false}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	result, err := svc.SendNotification(context.Background(), testConfig(), models.TelegramMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "status 400")
}

func TestSendNotification_ContextCancelled(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(*http.Request) (*http.Response, error) {
			return nil, context.Canceled
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.SendNotification(ctx, testConfig(), models.TelegramMessage{Success: true})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
}

func TestFormatMessage_Set(t *testing.T) {
	svc := New(testLogger())

	result := svc.formatMessage(models.TelegramMessage{
		Success:   true,
		Command:   models.CommandSet,
		Host:      "db1",
		Database:  "shop",
		Point:     "nightly",
		StartTime: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:  3*time.Minute + 45*time.Second,
		File:      "/var/backups/database-backup-nightly-abc.sql",
		SizeBytes: 100 * 1000 * 1000,
		Tables:    12,
	})

	assert.Contains(t, result, "Rollback point set")
	assert.Contains(t, result, "db1")
	assert.Contains(t, result, "shop")
	assert.Contains(t, result, "nightly")
	assert.Contains(t, result, "2024-01-15 10:30:00")
	assert.Contains(t, result, "3m45s")
	assert.Contains(t, result, "database-backup-nightly-abc.sql")
	assert.Contains(t, result, "Size: 100 MB")
	assert.Contains(t, result, "Tables: 12")
}

func TestFormatMessage_Restore(t *testing.T) {
	svc := New(testLogger())

	result := svc.formatMessage(models.TelegramMessage{
		Success:    true,
		Command:    models.CommandRestore,
		Host:       "db1",
		Database:   "shop",
		Point:      "nightly",
		Statements: 12345,
	})

	assert.Contains(t, result, "Rollback point restored")
	assert.Contains(t, result, "Statements: 12,345")
	assert.NotContains(t, result, "Size:")
}

func TestFormatMessage_Failure(t *testing.T) {
	svc := New(testLogger())

	result := svc.formatMessage(models.TelegramMessage{
		Success:      false,
		Command:      models.CommandRestore,
		Host:         "db1",
		Database:     "shop",
		FailedStep:   "restore",
		ErrorMessage: "statement 2 failed (error 1064, state 42000): syntax error",
		Statement:    "INSERT INTO `t` VALUES (<broken>;",
	})

	assert.Contains(t, result, "Rollback point restored failed")
	assert.Contains(t, result, "Failed step: restore")
	assert.Contains(t, result, "error 1064")
	assert.Contains(t, result, "(&lt;broken&gt;;")
}

func TestFormatMessage_LongStatementIsTruncated(t *testing.T) {
	svc := New(testLogger())

	result := svc.formatMessage(models.TelegramMessage{
		Command:      models.CommandRestore,
		ErrorMessage: "failed",
		Statement:    strings.Repeat("x", maxStatementLen*2),
	})

	assert.Contains(t, result, strings.Repeat("x", maxStatementLen)+"…")
	assert.NotContains(t, result, strings.Repeat("x", maxStatementLen+1))
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"<script>", "&lt;script&gt;"},
		{"a & b", "a &amp; b"},
		{"<>&", "&lt;&gt;&amp;"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeHTML(tt.input))
		})
	}
}
