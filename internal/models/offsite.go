package models

import "time"

// OffsiteResult holds the result of copying an artifact to an offsite destination.
type OffsiteResult struct {
	Destination string // restic snapshot ID or S3 object key
	SizeBytes   int64
	Duration    time.Duration
	Error       error
}

// OffsiteRequest describes one artifact to copy offsite.
type OffsiteRequest struct {
	Path string
	Host string
	Tags []string
}

// ForgetResult holds the result of removing offsite snapshots.
type ForgetResult struct {
	SnapshotsRemoved int
	SnapshotsKept    int
	Duration         time.Duration
	Error            error
}

// Snapshot represents a restic snapshot.
type Snapshot struct {
	ID       string
	Time     time.Time
	Hostname string
	Tags     []string
	Paths    []string
}
