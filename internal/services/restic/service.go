// Package restic copies rollback point artifacts into a restic repository.
package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for restic operations.
type Service interface {
	Init(ctx context.Context, cfg models.ResticConfig) error
	Snapshots(ctx context.Context, cfg models.ResticConfig, tags ...string) ([]models.Snapshot, error)
	Backup(ctx context.Context, cfg models.ResticConfig, req models.OffsiteRequest) (*models.OffsiteResult, error)
	Forget(ctx context.Context, cfg models.ResticConfig, tag string, keepLast int) (*models.ForgetResult, error)
	Remove(ctx context.Context, cfg models.ResticConfig, tag string) (*models.ForgetResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new restic service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new restic service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

func (s *Impl) buildEnv(cfg models.ResticConfig) []string {
	env := []string{
		fmt.Sprintf("RESTIC_REPOSITORY=%s", cfg.Repository),
		fmt.Sprintf("RESTIC_PASSWORD=%s", cfg.Password),
	}

	if cfg.RestUser != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_USERNAME=%s", cfg.RestUser))
	}
	if cfg.RestPassword != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_PASSWORD=%s", cfg.RestPassword))
	}

	return env
}

// Init initializes a restic repository if it doesn't exist.
func (s *Impl) Init(ctx context.Context, cfg models.ResticConfig) error {
	s.logger.Debug().Str("repository", cfg.Repository).Msg("checking if repository needs initialization")

	env := s.buildEnv(cfg)

	if _, err := s.executor.ExecuteWithEnv(ctx, env, "restic", "snapshots", "--json"); err == nil {
		s.logger.Debug().Msg("repository already initialized")
		return nil
	}

	s.logger.Info().Str("repository", cfg.Repository).Msg("initializing repository")
	output, err := s.executor.ExecuteWithEnv(ctx, env, "restic", "init")
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w, output: %s", err, string(output))
	}

	s.logger.Info().Msg("repository initialized successfully")
	return nil
}

// snapshotJSON is the JSON structure returned by restic snapshots --json.
type snapshotJSON struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Tags     []string  `json:"tags"`
	Paths    []string  `json:"paths"`
}

// Snapshots returns the snapshots carrying all of tags.
func (s *Impl) Snapshots(ctx context.Context, cfg models.ResticConfig, tags ...string) ([]models.Snapshot, error) {
	s.logger.Debug().Strs("tags", tags).Msg("listing snapshots")

	args := []string{"snapshots", "--json"}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}

	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(cfg), "restic", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w, output: %s", err, string(output))
	}

	var snapshots []snapshotJSON
	if err := json.Unmarshal(output, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to parse snapshots: %w", err)
	}

	result := make([]models.Snapshot, len(snapshots))
	for i, snap := range snapshots {
		result[i] = models.Snapshot{
			ID:       snap.ID,
			Time:     snap.Time,
			Hostname: snap.Hostname,
			Tags:     snap.Tags,
			Paths:    snap.Paths,
		}
	}

	s.logger.Debug().Int("count", len(result)).Msg("snapshots listed")
	return result, nil
}

// backupSummary is the summary part of restic backup --json output.
type backupSummary struct {
	MessageType         string `json:"message_type"`
	DataAdded           int64  `json:"data_added"`
	TotalBytesProcessed int64  `json:"total_bytes_processed"`
	SnapshotID          string `json:"snapshot_id"`
}

// Backup stores the artifact at req.Path as a new snapshot.
func (s *Impl) Backup(ctx context.Context, cfg models.ResticConfig, req models.OffsiteRequest) (*models.OffsiteResult, error) {
	s.logger.Info().Str("file", req.Path).Strs("tags", req.Tags).Msg("copying artifact to restic")

	start := time.Now()

	args := []string{"backup", "--json"}
	if req.Host != "" {
		args = append(args, "--host", req.Host)
	}
	for _, tag := range req.Tags {
		args = append(args, "--tag", tag)
	}
	args = append(args, req.Path)

	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(cfg), "restic", args...)
	if err != nil {
		return &models.OffsiteResult{
			Duration: time.Since(start),
			Error:    fmt.Errorf("backup failed: %w, output: %s", err, string(output)),
		}, nil
	}

	var summary backupSummary
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var msg struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType == "summary" {
			if err := json.Unmarshal(line, &summary); err != nil {
				s.logger.Warn().Err(err).Msg("failed to parse backup summary")
			}
			break
		}
	}

	result := &models.OffsiteResult{
		Destination: summary.SnapshotID,
		SizeBytes:   summary.TotalBytesProcessed,
		Duration:    time.Since(start),
	}

	s.logger.Info().
		Str("snapshot_id", result.Destination).
		Int64("data_added", summary.DataAdded).
		Dur("duration", result.Duration).
		Msg("artifact copied to restic")

	return result, nil
}

// forgetGroup is the JSON structure returned by restic forget --json.
type forgetGroup struct {
	Keep   []snapshotJSON `json:"keep"`
	Remove []snapshotJSON `json:"remove"`
}

// Forget keeps the newest keepLast snapshots tagged tag and prunes the rest.
func (s *Impl) Forget(ctx context.Context, cfg models.ResticConfig, tag string, keepLast int) (*models.ForgetResult, error) {
	if keepLast <= 0 {
		return &models.ForgetResult{}, nil
	}

	s.logger.Info().Str("tag", tag).Int("keep_last", keepLast).Msg("applying retention policy")

	args := []string{"forget", "--prune", "--json", "--tag", tag, "--keep-last", strconv.Itoa(keepLast)}
	return s.forget(ctx, cfg, args)
}

// Remove forgets and prunes every snapshot tagged tag.
func (s *Impl) Remove(ctx context.Context, cfg models.ResticConfig, tag string) (*models.ForgetResult, error) {
	snapshots, err := s.Snapshots(ctx, cfg, tag)
	if err != nil {
		return &models.ForgetResult{Error: err}, nil
	}
	if len(snapshots) == 0 {
		return &models.ForgetResult{}, nil
	}

	s.logger.Info().Str("tag", tag).Int("snapshots", len(snapshots)).Msg("removing snapshots")

	args := []string{"forget", "--prune", "--json"}
	for _, snap := range snapshots {
		args = append(args, snap.ID)
	}

	result, err := s.forget(ctx, cfg, args)
	if err == nil && result.Error == nil && result.SnapshotsRemoved == 0 {
		// Forget by ID prints no JSON groups.
		result.SnapshotsRemoved = len(snapshots)
	}
	return result, err
}

func (s *Impl) forget(ctx context.Context, cfg models.ResticConfig, args []string) (*models.ForgetResult, error) {
	start := time.Now()

	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(cfg), "restic", args...)
	if err != nil {
		return &models.ForgetResult{
			Duration: time.Since(start),
			Error:    fmt.Errorf("forget failed: %w, output: %s", err, string(output)),
		}, nil
	}

	var groups []forgetGroup
	if err := json.Unmarshal(output, &groups); err != nil {
		s.logger.Debug().Err(err).Msg("could not parse forget output")
	}

	result := &models.ForgetResult{Duration: time.Since(start)}
	for _, group := range groups {
		result.SnapshotsKept += len(group.Keep)
		result.SnapshotsRemoved += len(group.Remove)
	}

	s.logger.Info().
		Int("kept", result.SnapshotsKept).
		Int("removed", result.SnapshotsRemoved).
		Dur("duration", result.Duration).
		Msg("snapshots forgotten")

	return result, nil
}
