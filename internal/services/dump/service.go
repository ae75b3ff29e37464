// Package dump writes logical SQL dumps of MySQL tables.
package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/archive"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const sectionRule = "-- --------------------------------------------------------"

// Service defines the interface for dump operations.
type Service interface {
	Dump(ctx context.Context, q mysql.Querier, catalog *mysql.Catalog, opts models.DumpOptions, base string) (*models.DumpArtifact, error)
}

// Compressor rewrites a written artifact into a compressed container.
type Compressor interface {
	Compress(artifact *models.DumpArtifact, format models.CompressionFormat) error
}

type archiveCompressor struct{}

func (archiveCompressor) Compress(artifact *models.DumpArtifact, format models.CompressionFormat) error {
	return archive.Compress(artifact, format)
}

// Impl implements the dump Service interface.
type Impl struct {
	compressor Compressor
	download   io.Writer
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a new dump service. download receives the artifact when DownloadAfterWrite is
// set; it may be nil.
func New(logger zerolog.Logger, download io.Writer) *Impl {
	return &Impl{
		compressor: archiveCompressor{},
		download:   download,
		now:        time.Now,
		logger:     logger,
	}
}

// NewWithDeps creates a new dump service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, compressor Compressor, download io.Writer, now func() time.Time) *Impl {
	return &Impl{
		compressor: compressor,
		download:   download,
		now:        now,
		logger:     logger,
	}
}

// Dump writes the selected tables of catalog to base + ".sql" and post-processes the file as
// opts requires. When the catalog is empty every table of the database is selected first.
// A write failure returns a *models.DumpWriteError and leaves no artifact behind.
func (s *Impl) Dump(
	ctx context.Context,
	q mysql.Querier,
	catalog *mysql.Catalog,
	opts models.DumpOptions,
	base string,
) (*models.DumpArtifact, error) {
	start := time.Now()

	if catalog.Len() == 0 {
		if err := catalog.AddAllTables(ctx); err != nil {
			return nil, err
		}
	}
	selected := catalog.Selected()

	s.logger.Info().
		Str("database", catalog.DatabaseName()).
		Int("tables", len(selected)).
		Bool("structure", opts.DumpStructure).
		Bool("data", opts.DumpData).
		Str("output", base).
		Msg("starting dump")

	var buf bytes.Buffer
	s.writeHeader(&buf, catalog.DatabaseName(), opts)

	// Views go after every base table so the tables they select from exist on restore.
	var views bytes.Buffer
	var tables, viewNames []string
	for _, table := range selected {
		var section bytes.Buffer
		if err := s.writeTable(ctx, &section, q, catalog, table, opts); err != nil {
			return nil, err
		}
		if catalog.IsView(table) {
			views.Write(section.Bytes())
			viewNames = append(viewNames, table)
			continue
		}
		buf.Write(section.Bytes())
		tables = append(tables, table)
	}
	buf.Write(views.Bytes())
	tables = append(tables, viewNames...)

	buf.WriteString("SET FOREIGN_KEY_CHECKS=1;\n")

	artifact := &models.DumpArtifact{
		Base:        base,
		Extension:   models.CompressionNone.Extension(),
		Compression: models.CompressionNone,
		Tables:      tables,
	}

	if err := writeFile(artifact.Path(), buf.Bytes()); err != nil {
		return nil, &models.DumpWriteError{Path: artifact.Path(), Err: err}
	}

	if opts.Compression != "" && opts.Compression != models.CompressionNone {
		if err := s.compressor.Compress(artifact, opts.Compression); err != nil {
			return nil, err
		}
	}

	if info, err := os.Stat(artifact.Path()); err == nil {
		artifact.SizeBytes = info.Size()
	}

	if opts.DownloadAfterWrite {
		if err := s.sendDownload(artifact); err != nil {
			return nil, err
		}
	}

	if opts.DeleteAfterCompress {
		if err := os.Remove(artifact.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("deleting artifact: %w", err)
		}
		artifact.Deleted = true
	}

	artifact.Duration = time.Since(start)

	s.logger.Info().
		Str("file", artifact.Path()).
		Str("size", humanize.Bytes(uint64(artifact.SizeBytes))).
		Bool("deleted", artifact.Deleted).
		Dur("duration", artifact.Duration).
		Msg("dump completed")

	return artifact, nil
}

func (s *Impl) writeHeader(buf *bytes.Buffer, database string, opts models.DumpOptions) {
	buf.WriteString("--\n")
	fmt.Fprintf(buf, "-- Backup %s - %s\n", database, s.now().Format("2006-01-02 15:04:05"))
	buf.WriteString("--\n\n\n")
	buf.WriteString("SET FOREIGN_KEY_CHECKS=0;\n")
	buf.WriteString("SET SQL_MODE = \"NO_AUTO_VALUE_ON_ZERO\";\n")
	buf.WriteString("\n\n")

	if opts.AddCreateDatabaseIfNotExists && database != "" {
		fmt.Fprintf(buf, "CREATE DATABASE IF NOT EXISTS %s;\n", mysql.QuoteIdentifier(database))
		fmt.Fprintf(buf, "USE %s;\n", mysql.QuoteIdentifier(database))
		buf.WriteString("\n\n")
	}
}

func (s *Impl) writeTable(
	ctx context.Context,
	buf *bytes.Buffer,
	q mysql.Querier,
	catalog *mysql.Catalog,
	table string,
	opts models.DumpOptions,
) error {
	quoted := mysql.QuoteIdentifier(table)

	var create string
	if opts.DumpStructure {
		var err error
		if create, err = catalog.CreateTable(ctx, table); err != nil {
			return err
		}
	}

	if catalog.IsView(table) {
		s.writeView(buf, table, create, opts)
		return nil
	}

	buf.WriteString("--\n")
	fmt.Fprintf(buf, "-- Table structure for table %s\n", quoted)
	buf.WriteString("--\n\n")

	if opts.DumpStructure {
		if opts.AddDropTableIfExists {
			fmt.Fprintf(buf, "DROP TABLE IF EXISTS %s;\n", quoted)
		}
		if opts.RewriteCreateAsIfNotExists {
			create = RewriteCreateIfNotExists(create)
		}
		buf.WriteString(create)
		buf.WriteString(";\n\n")
	}

	if !opts.DumpData {
		return nil
	}

	rows, err := s.tableRows(ctx, q, catalog, table)
	if err != nil {
		return err
	}
	if rows == "" {
		s.logger.Debug().Str("table", table).Msg("table is empty, no data section written")
		return nil
	}

	buf.WriteString("--\n")
	fmt.Fprintf(buf, "-- Dumping data for table %s\n", table)
	buf.WriteString("--\n\n")
	buf.WriteString(rows)
	buf.WriteString(";\n\n")
	buf.WriteString(sectionRule)
	buf.WriteString("\n\n")

	return nil
}

// writeView writes the definition of a view. Views never get a data section; their rows
// belong to the tables they select from.
func (s *Impl) writeView(buf *bytes.Buffer, view, create string, opts models.DumpOptions) {
	if !opts.DumpStructure {
		s.logger.Debug().Str("view", view).Msg("structure disabled, view skipped")
		return
	}

	quoted := mysql.QuoteIdentifier(view)
	buf.WriteString("--\n")
	fmt.Fprintf(buf, "-- Structure for view %s\n", quoted)
	buf.WriteString("--\n\n")

	if opts.AddDropTableIfExists {
		fmt.Fprintf(buf, "DROP VIEW IF EXISTS %s;\n", quoted)
	}
	if opts.RewriteCreateAsIfNotExists {
		create = RewriteCreateView(create)
	}
	buf.WriteString(create)
	buf.WriteString(";\n\n")
}

// tableRows renders the INSERT statement of table without its terminator, or "" when the
// table has no rows.
func (s *Impl) tableRows(ctx context.Context, q mysql.Querier, catalog *mysql.Catalog, table string) (string, error) {
	cols, err := catalog.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", nil
	}

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = mysql.QuoteIdentifier(col.Name)
	}
	columnList := strings.Join(names, ", ")
	quoted := mysql.QuoteIdentifier(table)

	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", columnList, quoted))
	if err != nil {
		return "", fmt.Errorf("reading rows of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var b strings.Builder
	count := 0
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", fmt.Errorf("scanning row of %s: %w", table, err)
		}

		if count == 0 {
			fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES", quoted, columnList)
		} else {
			b.WriteByte(',')
		}
		b.WriteString("\n(")
		for i, v := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(SerializeValue(v, cols[i].Class))
		}
		b.WriteByte(')')
		count++
	}

	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating rows of %s: %w", table, err)
	}

	s.logger.Debug().Str("table", table).Int("rows", count).Msg("table data dumped")
	return b.String(), nil
}

func (s *Impl) sendDownload(artifact *models.DumpArtifact) error {
	if s.download == nil {
		s.logger.Warn().Str("file", artifact.Path()).Msg("download requested but no destination configured")
		return nil
	}

	f, err := os.Open(artifact.Path())
	if err != nil {
		return fmt.Errorf("opening artifact for download: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(s.download, f); err != nil {
		return fmt.Errorf("downloading artifact: %w", err)
	}
	return nil
}

// RewriteCreateIfNotExists turns a CREATE TABLE header into CREATE TABLE IF NOT EXISTS.
func RewriteCreateIfNotExists(stmt string) string {
	const (
		plain      = "CREATE TABLE "
		idempotent = "CREATE TABLE IF NOT EXISTS "
	)
	if !strings.HasPrefix(stmt, plain) || strings.HasPrefix(stmt, idempotent) {
		return stmt
	}
	return idempotent + strings.TrimPrefix(stmt, plain)
}

// RewriteCreateView turns a CREATE ... VIEW statement into CREATE OR REPLACE ... VIEW, which
// MySQL accepts when the view already exists.
func RewriteCreateView(stmt string) string {
	const (
		plain      = "CREATE "
		idempotent = "CREATE OR REPLACE "
	)
	if !strings.HasPrefix(stmt, plain) || strings.HasPrefix(stmt, idempotent) {
		return stmt
	}
	return idempotent + strings.TrimPrefix(stmt, plain)
}

// writeFile writes data to a temporary file next to path and renames it into place, so a
// failed write never leaves a truncated dump at path.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
