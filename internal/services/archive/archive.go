// Package archive compresses dump artifacts and opens them again for restore.
package archive

import (
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blastware/sqlrollback/internal/models"
)

// Compress rewrites the uncompressed artifact into format, removes the original and updates
// the artifact's extension. An unsupported format is fatal and leaves the original in place.
func Compress(artifact *models.DumpArtifact, format models.CompressionFormat) error {
	switch format {
	case models.CompressionZip:
		return compressZip(artifact)
	case models.CompressionGzip:
		return compressGzip(artifact)
	case models.CompressionNone, "":
		return nil
	default:
		return &models.FatalError{Op: "compress", Err: fmt.Errorf("no %q compression available", format)}
	}
}

func compressZip(artifact *models.DumpArtifact) error {
	src := artifact.Path()
	dst := artifact.Base + "." + models.CompressionZip.Extension()

	if err := writeCompressed(src, dst, func(w io.Writer, r io.Reader) error {
		zw := zip.NewWriter(w)
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.Base(src),
			Method: zip.Deflate,
		})
		if err != nil {
			return err
		}
		if _, err := io.Copy(entry, r); err != nil {
			return err
		}
		return zw.Close()
	}); err != nil {
		return fmt.Errorf("zip compression: %w", err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing uncompressed dump: %w", err)
	}
	artifact.Extension = models.CompressionZip.Extension()
	artifact.Compression = models.CompressionZip
	return nil
}

func compressGzip(artifact *models.DumpArtifact) error {
	src := artifact.Path()
	dst := artifact.Base + "." + models.CompressionGzip.Extension()

	if err := writeCompressed(src, dst, func(w io.Writer, r io.Reader) error {
		gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		gw.Name = filepath.Base(src)
		if _, err := io.Copy(gw, r); err != nil {
			return err
		}
		return gw.Close()
	}); err != nil {
		return fmt.Errorf("gzip compression: %w", err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing uncompressed dump: %w", err)
	}
	artifact.Extension = models.CompressionGzip.Extension()
	artifact.Compression = models.CompressionGzip
	return nil
}

func writeCompressed(src, dst string, encode func(w io.Writer, r io.Reader) error) error {
	in, err := os.Open(src) //nolint:gosec // path comes from the artifact
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // path comes from the artifact
	if err != nil {
		return err
	}

	if err := encode(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// FormatOf infers the compression format of a dump file from its name.
func FormatOf(path string) models.CompressionFormat {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return models.CompressionZip
	case strings.HasSuffix(lower, ".gz"):
		return models.CompressionGzip
	default:
		return models.CompressionNone
	}
}

// Open returns the SQL text of a plain, gzip or zip dump file. A zip archive must contain
// exactly one entry. A missing file yields an error wrapping os.ErrNotExist.
func Open(path string) (io.ReadCloser, error) {
	switch FormatOf(path) {
	case models.CompressionZip:
		return openZip(path)
	case models.CompressionGzip:
		return openGzip(path)
	default:
		return os.Open(path) //nolint:gosec // caller-provided dump path
	}
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func openGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // caller-provided dump path
	if err != nil {
		return nil, err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading gzip header: %w", err)
	}
	return &multiCloser{Reader: gr, closers: []io.Closer{gr, f}}, nil
}

func openZip(path string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	if len(zr.File) != 1 {
		_ = zr.Close()
		return nil, fmt.Errorf("zip archive %s holds %d entries, want 1", path, len(zr.File))
	}
	entry, err := zr.File[0].Open()
	if err != nil {
		_ = zr.Close()
		return nil, fmt.Errorf("opening zip entry: %w", err)
	}
	return &multiCloser{Reader: entry, closers: []io.Closer{entry, zr}}, nil
}
