// Package rollback orchestrates dumps, restores and named rollback points.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blastware/sqlrollback/internal/metrics"
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/dump"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/blastware/sqlrollback/internal/services/restic"
	"github.com/blastware/sqlrollback/internal/services/restore"
	"github.com/blastware/sqlrollback/internal/services/s3"
	"github.com/blastware/sqlrollback/internal/services/ssh"
	"github.com/blastware/sqlrollback/internal/services/telegram"
	"github.com/blastware/sqlrollback/internal/services/wol"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tag attached to every offsite copy of a rollback point.
const offsiteTag = "sqlrollback"

const (
	resticPrefix = "restic:"
	s3Scheme     = "s3://"
)

// Service defines the interface for rollback commands.
type Service interface {
	Execute(ctx context.Context, cmd models.Command, req models.CommandRequest) (*models.CommandResult, error)
}

// Session is an open database session.
type Session interface {
	mysql.Querier
	Database() string
	Close() error
}

// Connector opens a session. dial is nil when the server is reached directly.
type Connector func(ctx context.Context, cfg models.ConnectionConfig, dial mysql.DialFunc) (Session, error)

// Services holds the collaborators of Impl.
type Services struct {
	Dump     dump.Service
	Restore  restore.Service
	Connect  Connector
	SSH      ssh.Service
	WOL      wol.Service
	Restic   restic.Service
	S3       s3.Service
	Telegram telegram.Service
	Metrics  *metrics.Recorder
	Now      func() time.Time
	NewID    func() string
}

// Impl implements the rollback Service interface.
type Impl struct {
	cfg    models.AppConfig
	svc    Services
	logger zerolog.Logger
}

// New creates a new rollback service. download receives dumps written with DownloadAfterWrite.
func New(logger zerolog.Logger, cfg models.AppConfig, download io.Writer) *Impl {
	return &Impl{
		cfg: cfg,
		svc: Services{
			Dump:     dump.New(logger, download),
			Restore:  restore.New(logger),
			Connect:  connectMySQL(logger),
			SSH:      ssh.New(logger),
			WOL:      wol.New(logger),
			Restic:   restic.New(logger),
			S3:       s3.New(logger),
			Telegram: telegram.New(logger),
			Metrics:  metrics.New(),
			Now:      time.Now,
			NewID:    uuid.NewString,
		},
		logger: logger,
	}
}

// NewWithServices creates a new rollback service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, cfg models.AppConfig, svc Services) *Impl {
	if svc.Metrics == nil {
		svc.Metrics = metrics.New()
	}
	if svc.Now == nil {
		svc.Now = time.Now
	}
	if svc.NewID == nil {
		svc.NewID = uuid.NewString
	}
	return &Impl{cfg: cfg, svc: svc, logger: logger}
}

func connectMySQL(logger zerolog.Logger) Connector {
	return func(ctx context.Context, cfg models.ConnectionConfig, dial mysql.DialFunc) (Session, error) {
		opts := []mysql.Option{mysql.WithLogger(logger)}
		if dial != nil {
			opts = append(opts, mysql.WithDialer(dial))
		}
		session, err := mysql.Open(ctx, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// Metrics returns the recorder the service reports to.
func (s *Impl) Metrics() *metrics.Recorder {
	return s.svc.Metrics
}

// run is the state of one Execute call.
type run struct {
	cmd    models.Command
	req    models.CommandRequest
	result *models.CommandResult
	start  time.Time
	step   string
}

// Execute runs cmd. Telegram is notified after set and restore when configured; metrics are
// recorded for every command and pushed when a Pushgateway is configured.
func (s *Impl) Execute(ctx context.Context, cmd models.Command, req models.CommandRequest) (*models.CommandResult, error) {
	r := &run{
		cmd:    cmd,
		req:    req,
		result: &models.CommandResult{Command: cmd},
		start:  s.svc.Now(),
	}
	var runErr error

	s.logger.Info().
		Str("command", cmd.String()).
		Str("database", s.cfg.MySQL.Database).
		Str("point", req.Name).
		Msg("starting command")

	defer func() {
		r.result.Duration = s.svc.Now().Sub(r.start)
		s.svc.Metrics.ObserveCommand(cmd, s.cfg.MySQL.Database, r.result.Duration, runErr)

		if s.cfg.Telegram != nil && (cmd == models.CommandSet || cmd == models.CommandRestore) {
			s.sendNotification(ctx, r, runErr)
		}
		if s.cfg.Metrics != nil && cmd != models.CommandList {
			s.pushMetrics(ctx, cmd)
		}
	}()

	switch cmd {
	case models.CommandList:
		runErr = s.listPoints(r)
	case models.CommandDelete:
		runErr = s.deletePoint(ctx, r)
	case models.CommandDump, models.CommandSet, models.CommandRestore:
		runErr = s.executeWithSession(ctx, r)
	default:
		runErr = fmt.Errorf("unsupported command %s", cmd)
	}

	if runErr != nil {
		s.logger.Error().
			Err(runErr).
			Str("command", cmd.String()).
			Str("step", r.step).
			Msg("command failed")
		return nil, runErr
	}

	s.logger.Info().
		Str("command", cmd.String()).
		Dur("duration", s.svc.Now().Sub(r.start)).
		Msg("command completed successfully")

	return r.result, nil
}

func (s *Impl) listPoints(r *run) error {
	r.step = "index"
	idx, err := LoadIndex(s.cfg.Storage.Directory)
	if err != nil {
		return err
	}
	r.result.Points = idx.List()
	return nil
}

// executeWithSession resolves the command's inputs, connects and runs the database work.
//
//nolint:gocyclo // one branch per connected command
func (s *Impl) executeWithSession(ctx context.Context, r *run) error {
	var idx *Index
	var restorePath string

	switch r.cmd {
	case models.CommandSet:
		r.step = "index"
		if err := ValidatePointName(r.req.Name); err != nil {
			return err
		}
		var err error
		if idx, err = LoadIndex(s.cfg.Storage.Directory); err != nil {
			return err
		}
	case models.CommandRestore:
		r.step = "index"
		switch {
		case r.req.Name != "":
			var err error
			if idx, err = LoadIndex(s.cfg.Storage.Directory); err != nil {
				return err
			}
			point, err := idx.Lookup(r.req.Name)
			if err != nil {
				return err
			}
			r.result.Point = &point
			restorePath = point.File
		case r.req.Input != "":
			restorePath = r.req.Input
		default:
			return errors.New("restore needs a rollback point name or an input file")
		}
	}

	session, closeSession, err := s.connect(ctx, r)
	if err != nil {
		return err
	}
	defer closeSession()

	switch r.cmd {
	case models.CommandSet:
		return s.setPoint(ctx, r, session, idx)
	case models.CommandRestore:
		return s.restore(ctx, r, session, restorePath)
	default:
		return s.dump(ctx, r, session)
	}
}

// connect wakes the host if configured, opens the SSH tunnel if configured and opens a session.
func (s *Impl) connect(ctx context.Context, r *run) (Session, func(), error) {
	if s.cfg.WOL != nil {
		r.step = "wol"
		if err := s.runWOL(ctx, s.cfg.WOL); err != nil {
			return nil, nil, err
		}
	}

	r.step = "connect"
	var tunnel *ssh.Tunnel
	var dial mysql.DialFunc
	if s.cfg.MySQL.Tunnel != nil {
		var err error
		tunnel, err = s.svc.SSH.Open(ctx, *s.cfg.MySQL.Tunnel)
		if err != nil {
			return nil, nil, fmt.Errorf("SSH tunnel failed: %w", err)
		}
		dial = tunnel.DialContext
	}

	session, err := s.svc.Connect(ctx, s.cfg.MySQL, dial)
	if err != nil {
		if tunnel != nil {
			_ = tunnel.Close()
		}
		return nil, nil, err
	}

	closeSession := func() {
		if err := session.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close database session")
		}
		if tunnel != nil {
			if err := tunnel.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to close SSH tunnel")
			}
		}
	}
	return session, closeSession, nil
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", cfg.Target).
		Msg("sending Wake-on-LAN packet")

	result, err := s.svc.WOL.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}
	if !result.TargetReady && cfg.Target != "" {
		return errors.New("database host did not become ready after WOL")
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

// runDump builds the catalog for the request and dumps it to base.
func (s *Impl) runDump(
	ctx context.Context,
	r *run,
	session Session,
	opts models.DumpOptions,
	base string,
) (*models.DumpArtifact, error) {
	r.step = "dump"

	catalog := mysql.NewCatalog(session, session.Database())
	include := s.cfg.Tables.Include
	if len(r.req.Include) > 0 {
		include = r.req.Include
	}
	catalog.AddTables(include)

	exclude := make([]string, 0, len(s.cfg.Tables.Exclude)+len(r.req.Exclude))
	exclude = append(exclude, s.cfg.Tables.Exclude...)
	exclude = append(exclude, r.req.Exclude...)
	catalog.ExcludeTables(exclude)

	artifact, err := s.svc.Dump.Dump(ctx, session, catalog, opts, base)
	if err != nil {
		return nil, err
	}

	s.svc.Metrics.ObserveArtifact(session.Database(), artifact)
	r.result.Artifact = artifact

	s.logger.Info().
		Str("file", artifact.Path()).
		Str("size", humanize.Bytes(uint64(artifact.SizeBytes))).
		Int("tables", len(artifact.Tables)).
		Msg("dump written")

	return artifact, nil
}

func (s *Impl) dump(ctx context.Context, r *run, session Session) error {
	base := r.req.Output
	if base == "" {
		base = filepath.Join(s.cfg.Storage.Directory, models.DefaultDumpBase(session.Database(), s.svc.Now()))
	}
	_, err := s.runDump(ctx, r, session, s.cfg.Dump, base)
	return err
}

// setPoint dumps to the point's file, ships it offsite and records it. Re-setting a name keeps
// its ID and removes the previous artifact if its path changed.
func (s *Impl) setPoint(ctx context.Context, r *run, session Session, idx *Index) error {
	name := r.req.Name
	existing, exists := idx.Get(name)
	id := existing.ID
	if id == "" {
		id = s.svc.NewID()
	}

	// The artifact is the point; it must stay on disk and is never streamed out.
	opts := s.cfg.Dump
	opts.DeleteAfterCompress = false
	opts.DownloadAfterWrite = false

	base := filepath.Join(s.cfg.Storage.Directory, "database-backup-"+name+"-"+id)
	artifact, err := s.runDump(ctx, r, session, opts, base)
	if err != nil {
		return err
	}

	if exists && existing.File != "" && existing.File != artifact.Path() {
		if err := os.Remove(existing.File); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("file", existing.File).Msg("failed to remove previous artifact")
		}
	}

	point := models.RollbackPoint{
		Name:        name,
		ID:          id,
		File:        artifact.Path(),
		Compression: artifact.Compression,
		SizeBytes:   artifact.SizeBytes,
		Tables:      artifact.Tables,
		CreatedAt:   s.svc.Now().UTC(),
	}
	r.result.Point = &point

	r.step = "offsite"
	offsiteErr := s.shipOffsite(ctx, &point)
	if exists && offsiteErr == nil {
		s.removeStaleS3(ctx, existing.Offsite, point.Offsite)
	}

	r.step = "index"
	idx.Put(point)
	if err := idx.Save(); err != nil {
		return err
	}

	s.logger.Info().
		Str("point", name).
		Str("id", id).
		Str("file", point.File).
		Strs("offsite", point.Offsite).
		Msg("rollback point set")

	if offsiteErr != nil {
		r.step = "offsite"
		return offsiteErr
	}
	return nil
}

func (s *Impl) restore(ctx context.Context, r *run, session Session, path string) error {
	r.step = "restore"
	result, err := s.svc.Restore.Restore(ctx, session, path)
	if err != nil {
		return err
	}
	r.result.Restore = result
	s.svc.Metrics.ObserveRestore(session.Database(), result)
	return nil
}

func (s *Impl) deletePoint(ctx context.Context, r *run) error {
	r.step = "index"
	if err := ValidatePointName(r.req.Name); err != nil {
		return err
	}
	idx, err := LoadIndex(s.cfg.Storage.Directory)
	if err != nil {
		return err
	}
	point, err := idx.Lookup(r.req.Name)
	if err != nil {
		return err
	}
	r.result.Point = &point

	r.step = "delete"
	if err := os.Remove(point.File); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing artifact: %w", err)
	}

	offsiteErr := s.removeOffsite(ctx, point)

	r.step = "index"
	idx.Delete(point.Name)
	if err := idx.Save(); err != nil {
		return err
	}

	s.logger.Info().Str("point", point.Name).Str("file", point.File).Msg("rollback point deleted")

	if offsiteErr != nil {
		r.step = "offsite"
		return offsiteErr
	}
	return nil
}

func pointTag(name string) string {
	return "point:" + name
}

// shipOffsite copies the point's artifact to every configured destination and records where
// each copy went. A failing destination does not stop the others.
func (s *Impl) shipOffsite(ctx context.Context, point *models.RollbackPoint) error {
	req := models.OffsiteRequest{
		Path: point.File,
		Host: s.cfg.Storage.Host,
		Tags: []string{offsiteTag, pointTag(point.Name), "db:" + s.cfg.MySQL.Database},
	}

	var errs []error
	if s.cfg.Restic != nil {
		if err := s.shipRestic(ctx, req, point); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.S3 != nil {
		if err := s.shipS3(ctx, req, point); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Impl) shipRestic(ctx context.Context, req models.OffsiteRequest, point *models.RollbackPoint) error {
	cfg := *s.cfg.Restic
	if err := s.svc.Restic.Init(ctx, cfg); err != nil {
		return fmt.Errorf("restic init failed: %w", err)
	}

	result, err := s.svc.Restic.Backup(ctx, cfg, req)
	if err != nil {
		return fmt.Errorf("restic backup failed: %w", err)
	}
	s.svc.Metrics.ObserveOffsite("restic", result)
	if result.Error != nil {
		return fmt.Errorf("restic backup failed: %w", result.Error)
	}
	point.Offsite = append(point.Offsite, resticPrefix+result.Destination)

	forgetResult, err := s.svc.Restic.Forget(ctx, cfg, pointTag(point.Name), cfg.KeepLast)
	if err != nil {
		return fmt.Errorf("restic forget failed: %w", err)
	}
	if forgetResult.Error != nil {
		return fmt.Errorf("restic forget failed: %w", forgetResult.Error)
	}
	if cfg.KeepLast > 0 {
		s.logger.Info().
			Int("kept", forgetResult.SnapshotsKept).
			Int("removed", forgetResult.SnapshotsRemoved).
			Msg("retention policy applied")
	}
	return nil
}

func (s *Impl) shipS3(ctx context.Context, req models.OffsiteRequest, point *models.RollbackPoint) error {
	result, err := s.svc.S3.Upload(ctx, *s.cfg.S3, req)
	if err != nil {
		return fmt.Errorf("S3 upload failed: %w", err)
	}
	s.svc.Metrics.ObserveOffsite("s3", result)
	if result.Error != nil {
		return fmt.Errorf("S3 upload failed: %w", result.Error)
	}
	point.Offsite = append(point.Offsite, s.s3Location(result.Destination))
	return nil
}

func (s *Impl) s3Location(key string) string {
	return s3Scheme + s.cfg.S3.Bucket + "/" + key
}

// s3Keys returns the object keys of entries stored in the configured bucket.
func (s *Impl) s3Keys(offsite []string) []string {
	if s.cfg.S3 == nil {
		return nil
	}
	prefix := s3Scheme + s.cfg.S3.Bucket + "/"
	var keys []string
	for _, entry := range offsite {
		if key, ok := strings.CutPrefix(entry, prefix); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// removeStaleS3 deletes objects of a previous setting that the new one did not overwrite.
func (s *Impl) removeStaleS3(ctx context.Context, previous, current []string) {
	kept := make(map[string]struct{})
	for _, key := range s.s3Keys(current) {
		kept[key] = struct{}{}
	}
	for _, key := range s.s3Keys(previous) {
		if _, ok := kept[key]; ok {
			continue
		}
		if err := s.svc.S3.Delete(ctx, *s.cfg.S3, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to remove previous S3 copy")
		}
	}
}

func (s *Impl) removeOffsite(ctx context.Context, point models.RollbackPoint) error {
	var errs []error

	if s.cfg.Restic != nil {
		result, err := s.svc.Restic.Remove(ctx, *s.cfg.Restic, pointTag(point.Name))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("restic remove failed: %w", err))
		case result.Error != nil:
			errs = append(errs, fmt.Errorf("restic remove failed: %w", result.Error))
		default:
			s.logger.Info().Int("removed", result.SnapshotsRemoved).Msg("restic snapshots removed")
		}
	}

	for _, key := range s.s3Keys(point.Offsite) {
		if err := s.svc.S3.Delete(ctx, *s.cfg.S3, key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Impl) sendNotification(ctx context.Context, r *run, runErr error) {
	msg := models.TelegramMessage{
		Success:   runErr == nil,
		Command:   r.cmd,
		Host:      s.cfg.Storage.Host,
		Database:  s.cfg.MySQL.Database,
		Point:     r.req.Name,
		StartTime: r.start,
		Duration:  r.result.Duration,
	}

	if a := r.result.Artifact; a != nil {
		msg.File = a.Path()
		msg.SizeBytes = a.SizeBytes
		msg.Tables = len(a.Tables)
	}
	if res := r.result.Restore; res != nil {
		msg.Statements = res.Statements
	}

	if runErr != nil {
		msg.FailedStep = r.step
		msg.ErrorMessage = runErr.Error()

		var stmtErr *models.StatementError
		if errors.As(runErr, &stmtErr) {
			msg.Statement = stmtErr.Statement
			msg.Statements = stmtErr.Index - 1
		}
	}

	result, err := s.svc.Telegram.SendNotification(ctx, *s.cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}

func (s *Impl) pushMetrics(ctx context.Context, cmd models.Command) {
	// Grouping labels must not collide with metric labels.
	grouping := map[string]string{
		"host":      s.cfg.Storage.Host,
		"operation": cmd.String(),
	}
	if err := s.svc.Metrics.Push(ctx, *s.cfg.Metrics, grouping); err != nil {
		s.logger.Warn().Err(err).Msg("failed to push metrics")
		return
	}
	s.logger.Debug().Str("url", s.cfg.Metrics.PushgatewayURL).Msg("metrics pushed")
}
