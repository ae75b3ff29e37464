package models

import (
	"fmt"
	"strings"
	"time"
)

// CompressionFormat selects the container an artifact is rewritten into after the dump.
type CompressionFormat string

// Compression formats.
const (
	CompressionNone CompressionFormat = "none"
	CompressionZip  CompressionFormat = "zip"
	CompressionGzip CompressionFormat = "gzip"
)

// ParseCompressionFormat parses a configured format name. "gz" is accepted as an alias of gzip
// and the empty string as none.
func ParseCompressionFormat(s string) (CompressionFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zip":
		return CompressionZip, nil
	case "gz", "gzip":
		return CompressionGzip, nil
	default:
		return "", fmt.Errorf("unknown compression format %q (want none, zip or gzip)", s)
	}
}

// Extension returns the file extension an artifact carries in this format.
func (f CompressionFormat) Extension() string {
	switch f {
	case CompressionZip:
		return "zip"
	case CompressionGzip:
		return "sql.gz"
	default:
		return "sql"
	}
}

// DumpOptions are the policy switches of a single dump. The zero value dumps nothing; use
// DefaultDumpOptions for the usual behaviour.
type DumpOptions struct {
	DumpStructure                bool
	DumpData                     bool
	AddDropTableIfExists         bool
	RewriteCreateAsIfNotExists   bool
	AddCreateDatabaseIfNotExists bool
	Compression                  CompressionFormat
	DeleteAfterCompress          bool
	DownloadAfterWrite           bool
}

// DefaultDumpOptions returns structure and data with idempotent DDL and no compression.
func DefaultDumpOptions() DumpOptions {
	return DumpOptions{
		DumpStructure:                true,
		DumpData:                     true,
		AddDropTableIfExists:         true,
		RewriteCreateAsIfNotExists:   true,
		AddCreateDatabaseIfNotExists: true,
		Compression:                  CompressionNone,
	}
}

// DumpArtifact is the file produced by a dump. Base is the path without extension.
type DumpArtifact struct {
	Base        string
	Extension   string
	Compression CompressionFormat
	SizeBytes   int64
	Tables      []string
	Deleted     bool
	Duration    time.Duration
}

// Path returns the artifact's current location. It changes when the artifact is compressed,
// so callers must not cache it.
func (a *DumpArtifact) Path() string {
	return a.Base + "." + strings.Trim(a.Extension, ".")
}

// DefaultDumpBase returns the default artifact base name for a database at a point in time.
func DefaultDumpBase(database string, t time.Time) string {
	return "dump_" + database + "_" + t.Format("20060102-15h04")
}
