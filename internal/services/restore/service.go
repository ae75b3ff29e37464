// Package restore replays dump files statement by statement.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/archive"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/rs/zerolog"
)

// Service defines the interface for restore operations.
type Service interface {
	Restore(ctx context.Context, q mysql.Querier, path string) (*models.RestoreResult, error)
}

// OpenFunc opens a dump for reading.
type OpenFunc func(path string) (io.ReadCloser, error)

// Impl implements the restore Service interface.
type Impl struct {
	open   OpenFunc
	logger zerolog.Logger
}

// New creates a new restore service reading plain, gzip and zip dumps.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		open:   archive.Open,
		logger: logger,
	}
}

// NewWithOpener creates a new restore service with a custom opener (for testing).
func NewWithOpener(logger zerolog.Logger, open OpenFunc) *Impl {
	return &Impl{
		open:   open,
		logger: logger,
	}
}

// Restore executes every statement of the dump at path in file order. The first failing
// statement stops the restore with a *models.StatementError; statements executed before it
// are not rolled back.
func (s *Impl) Restore(ctx context.Context, q mysql.Querier, path string) (*models.RestoreResult, error) {
	start := time.Now()

	f, err := s.open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrDumpNotFound, path)
		}
		return nil, fmt.Errorf("opening dump: %w", err)
	}
	defer func() { _ = f.Close() }()

	s.logger.Info().Str("file", path).Msg("starting restore")

	reader := NewStatementReader(f)
	count := 0
	for {
		stmt, ok := reader.Next()
		if !ok {
			break
		}
		count++

		if _, err := q.ExecContext(ctx, stmt); err != nil {
			stmtErr := &models.StatementError{Index: count, Statement: stmt, Err: err}
			if code, state, _, ok := mysql.DriverError(err); ok {
				stmtErr.Code = code
				stmtErr.SQLState = state
			}

			s.logger.Error().
				Err(err).
				Int("statement", count).
				Uint16("code", stmtErr.Code).
				Str("state", stmtErr.SQLState).
				Msg("statement failed, restore stopped")
			return nil, stmtErr
		}
	}

	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("reading dump after statement %d: %w", count, err)
	}

	result := &models.RestoreResult{
		Path:       path,
		Statements: count,
		Dangling:   reader.Dangling(),
		Duration:   time.Since(start),
	}

	if result.Dangling != "" {
		s.logger.Warn().
			Str("file", path).
			Str("fragment", truncate(result.Dangling, 200)).
			Msg("unterminated statement at end of file was not executed")
	}

	s.logger.Info().
		Str("file", path).
		Int("statements", count).
		Int("lines", reader.Lines()).
		Dur("duration", result.Duration).
		Msg("restore completed")

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
