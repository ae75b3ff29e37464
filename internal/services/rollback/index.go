package rollback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/blastware/sqlrollback/internal/models"
	"gopkg.in/yaml.v3"
)

// IndexFile is the name of the point index inside the storage directory.
const IndexFile = "points.yaml"

const indexVersion = 1

var pointNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePointName rejects names that cannot be embedded in a file name.
func ValidatePointName(name string) error {
	if name == "" {
		return errors.New("rollback point name is required")
	}
	if !pointNamePattern.MatchString(name) {
		return fmt.Errorf("invalid rollback point name %q (use letters, digits, '.', '_' and '-')", name)
	}
	return nil
}

type indexDocument struct {
	Version int                    `yaml:"version"`
	Points  []models.RollbackPoint `yaml:"points"`
}

// Index is the set of rollback points recorded in a storage directory.
type Index struct {
	path   string
	points map[string]models.RollbackPoint
}

// LoadIndex reads the index of dir. A missing file yields an empty index.
func LoadIndex(dir string) (*Index, error) {
	idx := &Index{
		path:   filepath.Join(dir, IndexFile),
		points: make(map[string]models.RollbackPoint),
	}

	data, err := os.ReadFile(idx.path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading point index: %w", err)
	}

	var doc indexDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing point index %s: %w", idx.path, err)
	}
	if doc.Version > indexVersion {
		return nil, fmt.Errorf("point index %s has unsupported version %d", idx.path, doc.Version)
	}

	for _, p := range doc.Points {
		idx.points[p.Name] = p
	}
	return idx, nil
}

// Path returns the location of the index file.
func (i *Index) Path() string {
	return i.path
}

// Get returns the point recorded under name.
func (i *Index) Get(name string) (models.RollbackPoint, bool) {
	p, ok := i.points[name]
	return p, ok
}

// Lookup is Get returning models.ErrPointNotFound for unknown names.
func (i *Index) Lookup(name string) (models.RollbackPoint, error) {
	p, ok := i.points[name]
	if !ok {
		return models.RollbackPoint{}, fmt.Errorf("%w: %s", models.ErrPointNotFound, name)
	}
	return p, nil
}

// Put records p, replacing any point of the same name.
func (i *Index) Put(p models.RollbackPoint) {
	i.points[p.Name] = p
}

// Delete removes name and reports whether it was present.
func (i *Index) Delete(name string) bool {
	if _, ok := i.points[name]; !ok {
		return false
	}
	delete(i.points, name)
	return true
}

// List returns all points, oldest first.
func (i *Index) List() []models.RollbackPoint {
	out := make([]models.RollbackPoint, 0, len(i.points))
	for _, p := range i.points {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].Name < out[b].Name
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Save writes the index next to its final location and renames it into place.
func (i *Index) Save() error {
	data, err := yaml.Marshal(indexDocument{Version: indexVersion, Points: i.List()})
	if err != nil {
		return fmt.Errorf("encoding point index: %w", err)
	}

	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".points-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index: %w", err)
	}

	if err := os.Rename(tmp.Name(), i.path); err != nil {
		return fmt.Errorf("replacing point index: %w", err)
	}
	return nil
}
