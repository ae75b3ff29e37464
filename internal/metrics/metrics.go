// Package metrics records Prometheus metrics for rollback commands and pushes them to a
// Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const defaultJob = "sqlrollback"

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Recorder holds the metrics of one invocation in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	artifactSize    *prometheus.GaugeVec
	tables          *prometheus.GaugeVec
	statements      *prometheus.CounterVec
	lastSuccess     *prometheus.GaugeVec
	offsiteUploads  *prometheus.CounterVec
	offsiteDuration *prometheus.HistogramVec
}

// New creates a Recorder with all metrics registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlrollback_commands_total",
			Help: "The total number of rollback commands executed",
		}, []string{"command", "database", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlrollback_command_duration_seconds",
			Help:    "Time taken to execute a rollback command",
			Buckets: prometheus.DefBuckets,
		}, []string{"command", "database"}),
		artifactSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlrollback_artifact_size_bytes",
			Help: "Size of the last written dump artifact in bytes",
		}, []string{"database", "compression"}),
		tables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlrollback_dump_tables",
			Help: "Number of tables in the last written dump",
		}, []string{"database"}),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlrollback_restore_statements_total",
			Help: "The total number of statements executed by restores",
		}, []string{"database"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlrollback_last_success_timestamp",
			Help: "Timestamp of the last successful command",
		}, []string{"command", "database"}),
		offsiteUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlrollback_offsite_uploads_total",
			Help: "The total number of offsite copies of rollback points",
		}, []string{"destination", "status"}),
		offsiteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlrollback_offsite_upload_duration_seconds",
			Help:    "Time taken to copy a rollback point offsite",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
	}

	r.registry.MustRegister(
		r.commands,
		r.commandDuration,
		r.artifactSize,
		r.tables,
		r.statements,
		r.lastSuccess,
		r.offsiteUploads,
		r.offsiteDuration,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveCommand records one executed command.
func (r *Recorder) ObserveCommand(cmd models.Command, database string, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}

	r.commands.WithLabelValues(cmd.String(), database, status).Inc()
	r.commandDuration.WithLabelValues(cmd.String(), database).Observe(d.Seconds())
	if err == nil {
		r.lastSuccess.WithLabelValues(cmd.String(), database).SetToCurrentTime()
	}
}

// ObserveArtifact records the size and table count of a written dump.
func (r *Recorder) ObserveArtifact(database string, artifact *models.DumpArtifact) {
	if artifact == nil {
		return
	}
	r.artifactSize.WithLabelValues(database, string(artifact.Compression)).Set(float64(artifact.SizeBytes))
	r.tables.WithLabelValues(database).Set(float64(len(artifact.Tables)))
}

// ObserveRestore records the statements a restore executed.
func (r *Recorder) ObserveRestore(database string, result *models.RestoreResult) {
	if result == nil {
		return
	}
	r.statements.WithLabelValues(database).Add(float64(result.Statements))
}

// ObserveOffsite records one offsite copy.
func (r *Recorder) ObserveOffsite(destination string, result *models.OffsiteResult) {
	if result == nil {
		return
	}
	status := StatusSuccess
	if result.Error != nil {
		status = StatusError
	}
	r.offsiteUploads.WithLabelValues(destination, status).Inc()
	r.offsiteDuration.WithLabelValues(destination).Observe(result.Duration.Seconds())
}

// Push sends every recorded metric to the Pushgateway in cfg, replacing the metrics of the
// same job and grouping.
func (r *Recorder) Push(ctx context.Context, cfg models.MetricsConfig, grouping map[string]string) error {
	job := cfg.Job
	if job == "" {
		job = defaultJob
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	pusher := push.New(cfg.PushgatewayURL, job).
		Gatherer(r.registry).
		Client(&http.Client{Timeout: timeout})
	for name, value := range grouping {
		if value == "" {
			continue
		}
		pusher = pusher.Grouping(name, value)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", cfg.PushgatewayURL, err)
	}
	return nil
}
