package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCommand(t *testing.T) {
	r := New()

	r.ObserveCommand(models.CommandSet, "shop", 2*time.Second, nil)
	r.ObserveCommand(models.CommandSet, "shop", time.Second, errors.New("boom"))
	r.ObserveCommand(models.CommandRestore, "shop", time.Second, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("set", "shop", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("set", "shop", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("restore", "shop", StatusSuccess)))
	assert.Greater(t, testutil.ToFloat64(r.lastSuccess.WithLabelValues("set", "shop")), 0.0)
	assert.Equal(t, 2, testutil.CollectAndCount(r.commandDuration))
}

func TestObserveArtifactAndRestore(t *testing.T) {
	r := New()

	r.ObserveArtifact("shop", &models.DumpArtifact{
		Compression: models.CompressionGzip,
		SizeBytes:   4096,
		Tables:      []string{"a", "b", "c"},
	})
	r.ObserveRestore("shop", &models.RestoreResult{Statements: 12})
	r.ObserveRestore("shop", &models.RestoreResult{Statements: 3})
	r.ObserveArtifact("shop", nil)
	r.ObserveRestore("shop", nil)

	assert.Equal(t, 4096.0, testutil.ToFloat64(r.artifactSize.WithLabelValues("shop", "gzip")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.tables.WithLabelValues("shop")))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.statements.WithLabelValues("shop")))
}

func TestObserveOffsite(t *testing.T) {
	r := New()

	r.ObserveOffsite("restic", &models.OffsiteResult{Duration: time.Second})
	r.ObserveOffsite("s3", &models.OffsiteResult{Error: errors.New("denied")})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.offsiteUploads.WithLabelValues("restic", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.offsiteUploads.WithLabelValues("s3", StatusError)))
}

func TestPush(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		data, _ := io.ReadAll(req.Body)
		mu.Lock()
		method, path, body = req.Method, req.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := New()
	r.ObserveCommand(models.CommandDump, "shop", time.Second, nil)

	err := r.Push(context.Background(), models.MetricsConfig{PushgatewayURL: server.URL}, map[string]string{
		"host":     "db1",
		"database": "",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/sqlrollback/host/db1", path)
	assert.NotEmpty(t, body)
}

func TestPush_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := New()
	err := r.Push(context.Background(), models.MetricsConfig{PushgatewayURL: server.URL, Job: "nightly"}, nil)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pushing metrics"))
}
