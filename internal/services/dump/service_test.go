package dump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const createT = "CREATE TABLE `t` (\n  `id` int NOT NULL,\n  `note` text\n) ENGINE=InnoDB"

const expectedExampleDump = "--\n" +
	"-- Backup shop - 2026-10-18 09:30:00\n" +
	"--\n\n\n" +
	"SET FOREIGN_KEY_CHECKS=0;\n" +
	"SET SQL_MODE = \"NO_AUTO_VALUE_ON_ZERO\";\n" +
	"\n\n" +
	"CREATE DATABASE IF NOT EXISTS `shop`;\n" +
	"USE `shop`;\n" +
	"\n\n" +
	"--\n" +
	"-- Table structure for table `t`\n" +
	"--\n\n" +
	"DROP TABLE IF EXISTS `t`;\n" +
	"CREATE TABLE IF NOT EXISTS `t` (\n  `id` int NOT NULL,\n  `note` text\n) ENGINE=InnoDB;\n\n" +
	"--\n" +
	"-- Dumping data for table t\n" +
	"--\n\n" +
	"INSERT INTO `t` (`id`, `note`) VALUES\n" +
	"(1, NULL),\n" +
	"(2, 'line1\\nline2');\n\n" +
	"-- --------------------------------------------------------\n\n" +
	"SET FOREIGN_KEY_CHECKS=1;\n"

type mockCompressor struct {
	compressFunc func(artifact *models.DumpArtifact, format models.CompressionFormat) error
	calls        int
}

func (m *mockCompressor) Compress(artifact *models.DumpArtifact, format models.CompressionFormat) error {
	m.calls++
	if m.compressFunc != nil {
		return m.compressFunc(artifact, format)
	}
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
}

func newSession(t *testing.T) (*mysql.Session, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	session, err := mysql.NewSession(context.Background(), db, "shop")
	require.NoError(t, err)
	return session, mock
}

func expectCreate(mock sqlmock.Sqlmock, table, stmt string) {
	mock.ExpectQuery("SHOW CREATE TABLE `" + table + "`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow(table, stmt))
}

func expectColumns(mock sqlmock.Sqlmock, table string, cols ...[2]string) {
	rows := sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"})
	for _, c := range cols {
		rows.AddRow(c[0], c[1], "YES", "", nil, "")
	}
	mock.ExpectQuery("SHOW COLUMNS FROM `" + table + "`").WillReturnRows(rows)
}

func expectExampleTable(mock sqlmock.Sqlmock) {
	expectCreate(mock, "t", createT)
	expectColumns(mock, "t", [2]string{"id", "int"}, [2]string{"note", "text"})
	mock.ExpectQuery("SELECT `id`, `note` FROM `t`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "note"}).
			AddRow(int64(1), nil).
			AddRow(int64(2), "line1\nline2"))
}

func newService(compressor Compressor, download io.Writer) *Impl {
	return NewWithDeps(testLogger(), compressor, download, fixedNow)
}

func TestDump_ExampleScenario(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	base := filepath.Join(t.TempDir(), "dump_shop")
	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), base)

	require.NoError(t, err)
	assert.Equal(t, base+".sql", artifact.Path())
	assert.Equal(t, []string{"t"}, artifact.Tables)
	assert.Equal(t, int64(len(expectedExampleDump)), artifact.SizeBytes)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	assert.Equal(t, expectedExampleDump, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_EmptyTableHasStructureButNoInsert(t *testing.T) {
	session, mock := newSession(t)
	expectCreate(mock, "empty", "CREATE TABLE `empty` (`id` int)")
	expectColumns(mock, "empty", [2]string{"id", "int"})
	mock.ExpectQuery("SELECT `id` FROM `empty`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("empty")

	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS `empty` (`id` int);")
	assert.NotContains(t, string(data), "INSERT INTO")
	assert.NotContains(t, string(data), "Dumping data")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_ExcludedTableIsAbsent(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTables([]string{"secrets", "t"})
	catalog.ExcludeTables([]string{"secrets"})

	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secrets")
	assert.Equal(t, []string{"t"}, artifact.Tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_AllTablesWhenCatalogEmpty(t *testing.T) {
	session, mock := newSession(t)
	mock.ExpectQuery("SHOW FULL TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_shop", "Table_type"}).AddRow("t", "BASE TABLE"))
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")

	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), filepath.Join(t.TempDir(), "d"))

	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, artifact.Tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

const createV = "CREATE ALGORITHM=UNDEFINED DEFINER=`root`@`%` SQL SECURITY DEFINER VIEW `v` AS select `t`.`id` AS `id` from `t`"

func expectCreateView(mock sqlmock.Sqlmock, view, stmt string) {
	mock.ExpectQuery("SHOW CREATE TABLE `" + view + "`").
		WillReturnRows(sqlmock.NewRows([]string{"View", "Create View", "character_set_client", "collation_connection"}).
			AddRow(view, stmt, "utf8mb4", "utf8mb4_0900_ai_ci"))
}

func TestDump_AllTablesWithViewWritesDefinitionLast(t *testing.T) {
	session, mock := newSession(t)
	mock.ExpectQuery("SHOW FULL TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_shop", "Table_type"}).
			AddRow("v", "VIEW").
			AddRow("t", "BASE TABLE"))
	expectCreateView(mock, "v", createV)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")

	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "v"}, artifact.Tables)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	text := string(data)

	viewSection := "--\n" +
		"-- Structure for view `v`\n" +
		"--\n\n" +
		"DROP VIEW IF EXISTS `v`;\n" +
		"CREATE OR REPLACE " + createV[len("CREATE "):] + ";\n\n" +
		"SET FOREIGN_KEY_CHECKS=1;\n"
	assert.True(t, strings.HasSuffix(text, viewSection), "view section must close the dump:\n%s", text)
	assert.Less(t, strings.Index(text, "INSERT INTO `t`"), strings.Index(text, "Structure for view"))
	assert.NotContains(t, text, "INSERT INTO `v`")
	assert.NotContains(t, text, "DROP TABLE IF EXISTS `v`")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_ExplicitViewDetectedFromCreateStatement(t *testing.T) {
	session, mock := newSession(t)
	expectCreateView(mock, "v", createV)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("v")

	opts := models.DefaultDumpOptions()
	opts.RewriteCreateAsIfNotExists = false
	opts.AddDropTableIfExists = false
	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, createV+";\n")
	assert.NotContains(t, text, "DROP VIEW")
	assert.NotContains(t, text, "Dumping data")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_DataOnlySkipsListedViews(t *testing.T) {
	session, mock := newSession(t)
	mock.ExpectQuery("SHOW FULL TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_shop", "Table_type"}).
			AddRow("v", "VIEW"))

	catalog := mysql.NewCatalog(session, "shop")

	opts := models.DumpOptions{DumpData: true}
	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "`v`")
	assert.Equal(t, []string{"v"}, artifact.Tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_StructureOnlyWithoutIdempotentDDL(t *testing.T) {
	session, mock := newSession(t)
	expectCreate(mock, "t", createT)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	opts := models.DumpOptions{DumpStructure: true}
	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, createT+";\n")
	assert.NotContains(t, text, "DROP TABLE")
	assert.NotContains(t, text, "IF NOT EXISTS")
	assert.NotContains(t, text, "USE `shop`")
	assert.Contains(t, text, "SET FOREIGN_KEY_CHECKS=0;")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_DataOnly(t *testing.T) {
	session, mock := newSession(t)
	expectColumns(mock, "t", [2]string{"id", "int"}, [2]string{"note", "text"})
	mock.ExpectQuery("SELECT `id`, `note` FROM `t`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "note"}).AddRow(int64(7), "x"))

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	opts := models.DumpOptions{DumpData: true}
	artifact, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "INSERT INTO `t` (`id`, `note`) VALUES\n(7, 'x');\n")
	assert.NotContains(t, string(data), "CREATE TABLE")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDump_QueryErrorAbortsWithoutFile(t *testing.T) {
	session, mock := newSession(t)
	mock.ExpectQuery("SHOW CREATE TABLE `t`").WillReturnError(errors.New("table doesn't exist"))

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	base := filepath.Join(t.TempDir(), "d")
	_, err := newService(&mockCompressor{}, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), base)

	require.Error(t, err)
	assert.NoFileExists(t, base+".sql")
}

func TestDump_WriteFailure(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	// A regular file where the output directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	compressor := &mockCompressor{}
	_, err := newService(compressor, nil).
		Dump(context.Background(), session, catalog, models.DefaultDumpOptions(), filepath.Join(blocker, "d"))

	require.Error(t, err)
	var we *models.DumpWriteError
	assert.True(t, errors.As(err, &we))
	assert.Equal(t, 0, compressor.calls, "no compression after a failed write")
}

func TestDump_CompressionUpdatesArtifact(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	var gotFormat models.CompressionFormat
	compressor := &mockCompressor{
		compressFunc: func(a *models.DumpArtifact, format models.CompressionFormat) error {
			gotFormat = format
			require.NoError(t, os.Rename(a.Path(), a.Base+".sql.gz"))
			a.Extension = "sql.gz"
			a.Compression = format
			return nil
		},
	}

	opts := models.DefaultDumpOptions()
	opts.Compression = models.CompressionGzip
	base := filepath.Join(t.TempDir(), "d")
	artifact, err := newService(compressor, nil).Dump(context.Background(), session, catalog, opts, base)

	require.NoError(t, err)
	assert.Equal(t, models.CompressionGzip, gotFormat)
	assert.Equal(t, base+".sql.gz", artifact.Path())
	assert.FileExists(t, artifact.Path())
}

func TestDump_CompressionFatalErrorPropagates(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	compressor := &mockCompressor{
		compressFunc: func(*models.DumpArtifact, models.CompressionFormat) error {
			return &models.FatalError{Op: "compress", Err: errors.New("unavailable")}
		},
	}

	opts := models.DefaultDumpOptions()
	opts.Compression = models.CompressionZip
	_, err := newService(compressor, nil).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))

	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
}

func TestDump_DownloadThenDelete(t *testing.T) {
	session, mock := newSession(t)
	expectExampleTable(mock)

	catalog := mysql.NewCatalog(session, "shop")
	catalog.AddTable("t")

	var download bytes.Buffer
	opts := models.DefaultDumpOptions()
	opts.DownloadAfterWrite = true
	opts.DeleteAfterCompress = true

	artifact, err := newService(&mockCompressor{}, &download).
		Dump(context.Background(), session, catalog, opts, filepath.Join(t.TempDir(), "d"))

	require.NoError(t, err)
	assert.Equal(t, expectedExampleDump, download.String())
	assert.True(t, artifact.Deleted)
	assert.NoFileExists(t, artifact.Path())
}
