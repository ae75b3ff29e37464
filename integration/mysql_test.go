//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/blastware/sqlrollback/internal/services/archive"
	"github.com/blastware/sqlrollback/internal/services/dump"
	"github.com/blastware/sqlrollback/internal/services/mysql"
	"github.com/blastware/sqlrollback/internal/services/restore"
	"github.com/blastware/sqlrollback/internal/services/rollback"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func getMySQLConfig(t *testing.T) models.ConnectionConfig {
	t.Helper()

	host := os.Getenv("TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("TEST_MYSQL_HOST not set")
	}

	portStr := os.Getenv("TEST_MYSQL_PORT")
	if portStr == "" {
		portStr = "3306"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	database := os.Getenv("TEST_MYSQL_DB")
	if database == "" {
		t.Skip("TEST_MYSQL_DB not set")
	}

	user := os.Getenv("TEST_MYSQL_USER")
	if user == "" {
		user = "root"
	}

	return models.ConnectionConfig{
		Host:     host,
		Port:     port,
		Username: user,
		Password: os.Getenv("TEST_MYSQL_PASSWORD"),
		Database: database,
	}
}

const fixtureNote = "it's a \"quoted\"\nline\\with\ttabs"

func seedNotes(ctx context.Context, t *testing.T, session *mysql.Session) {
	t.Helper()

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS `it_notes`",
		"CREATE TABLE `it_notes` (`id` int NOT NULL, `note` text, `score` decimal(5,2) DEFAULT NULL, PRIMARY KEY (`id`))",
	} {
		_, err := session.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err := session.ExecContext(ctx, "INSERT INTO `it_notes` VALUES (?, ?, ?), (?, ?, ?)",
		1, fixtureNote, "12.50",
		2, nil, nil,
	)
	require.NoError(t, err)
}

func countNotes(ctx context.Context, t *testing.T, session *mysql.Session) int {
	t.Helper()
	var n int
	require.NoError(t, session.QueryRowContext(ctx, "SELECT COUNT(*) FROM `it_notes`").Scan(&n))
	return n
}

func TestDumpRestoreRoundTrip_Integration(t *testing.T) {
	cfg := getMySQLConfig(t)
	ctx := context.Background()

	session, err := mysql.Open(ctx, cfg, mysql.WithLogger(testLogger()))
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	seedNotes(ctx, t, session)

	for _, format := range []models.CompressionFormat{models.CompressionNone, models.CompressionGzip, models.CompressionZip} {
		t.Run(string(format), func(t *testing.T) {
			opts := models.DefaultDumpOptions()
			opts.Compression = format

			catalog := mysql.NewCatalog(session, cfg.Database)
			catalog.AddTable("it_notes")

			base := filepath.Join(t.TempDir(), "roundtrip")
			artifact, err := dump.New(testLogger(), nil).Dump(ctx, session, catalog, opts, base)
			require.NoError(t, err)
			assert.Equal(t, format, archive.FormatOf(artifact.Path()))

			_, err = session.ExecContext(ctx, "DELETE FROM `it_notes`")
			require.NoError(t, err)

			result, err := restore.New(testLogger()).Restore(ctx, session, artifact.Path())
			require.NoError(t, err)
			assert.Empty(t, result.Dangling)

			var note string
			require.NoError(t, session.QueryRowContext(ctx, "SELECT `note` FROM `it_notes` WHERE `id` = 1").Scan(&note))
			assert.Equal(t, fixtureNote, note)
			assert.Equal(t, 2, countNotes(ctx, t, session))
		})
	}
}

func TestRollbackPointLifecycle_Integration(t *testing.T) {
	cfg := getMySQLConfig(t)
	ctx := context.Background()

	session, err := mysql.Open(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()
	seedNotes(ctx, t, session)

	appCfg := models.AppConfig{
		MySQL:   cfg,
		Tables:  models.TableFilter{Include: []string{"it_notes"}},
		Dump:    models.DefaultDumpOptions(),
		Storage: models.StorageSettings{Directory: t.TempDir(), Host: "it-host"},
	}
	svc := rollback.New(testLogger(), appCfg, nil)

	setResult, err := svc.Execute(ctx, models.CommandSet, models.CommandRequest{Name: "it-point"})
	require.NoError(t, err)
	assert.FileExists(t, setResult.Point.File)

	_, err = session.ExecContext(ctx, "INSERT INTO `it_notes` (`id`, `note`) VALUES (3, 'after')")
	require.NoError(t, err)
	assert.Equal(t, 3, countNotes(ctx, t, session))

	restoreResult, err := svc.Execute(ctx, models.CommandRestore, models.CommandRequest{Name: "it-point"})
	require.NoError(t, err)
	assert.Positive(t, restoreResult.Restore.Statements)
	assert.Equal(t, 2, countNotes(ctx, t, session))

	listResult, err := svc.Execute(ctx, models.CommandList, models.CommandRequest{})
	require.NoError(t, err)
	require.Len(t, listResult.Points, 1)

	_, err = svc.Execute(ctx, models.CommandDelete, models.CommandRequest{Name: "it-point"})
	require.NoError(t, err)
	assert.NoFileExists(t, setResult.Point.File)
}
