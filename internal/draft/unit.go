// Package draft provides the data model for a vellum project: the project
// manifest, the outline, and draft units stored as Markdown files with YAML
// front matter under drafts/.
//
// The filesystem is the source of truth. An in-memory checksum index is
// rebuilt from disk at project open and refreshed on every write, so request
// handling does not re-read and re-hash every unit.
package draft

import (
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/store"
)

// DraftsDir is the project-relative directory holding unit files.
const DraftsDir = "drafts"

var unitIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Unit is the smallest independently-versioned piece of prose, typically one
// scene. Text is the canonical body; the checksum is always recomputed from
// Text at read time and never stored redundantly, so it cannot drift.
type Unit struct {
	ID        string    `yaml:"id"`
	Order     int       `yaml:"order"`
	Title     string    `yaml:"title,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`

	// Text is the prose body below the front matter. Not serialized into
	// the front matter itself.
	Text string `yaml:"-"`
}

// Validate checks the unit's field values.
func (u *Unit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if !unitIDPattern.MatchString(u.ID) {
		return fmt.Errorf("unit id %q contains invalid characters", u.ID)
	}
	if u.Order < 0 {
		return fmt.Errorf("unit order must not be negative (got %d)", u.Order)
	}
	return nil
}

// Checksum returns the fingerprint of the unit's canonical body.
func (u *Unit) Checksum() checksum.Checksum {
	return checksum.Fingerprint(u.Text)
}

// Path returns the project-relative file path for this unit.
func (u *Unit) Path() string {
	return UnitPath(u.ID)
}

// UnitPath returns the project-relative file path for a unit id.
func UnitPath(id string) string {
	return path.Join(DraftsDir, id+".md")
}

// Encode renders the unit as a Markdown file with YAML front matter.
func (u *Unit) Encode() ([]byte, error) {
	meta, err := yaml.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter for %s: %w", u.ID, err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n")
	b.WriteString(u.Text)
	return []byte(b.String()), nil
}

// DecodeUnit parses a unit file. Units written before front matter existed
// (bare prose) decode with the id taken from the caller.
func DecodeUnit(id string, data []byte) (*Unit, error) {
	body, frontMatter := checksum.SplitFrontMatter(string(data))

	unit := &Unit{ID: id}
	if frontMatter != "" {
		if err := yaml.Unmarshal([]byte(frontMatter), unit); err != nil {
			return nil, fmt.Errorf("failed to parse front matter for %s: %w", id, err)
		}
	}
	unit.Text = body

	if unit.ID == "" {
		unit.ID = id
	} else if unit.ID != id {
		return nil, fmt.Errorf("unit file %s declares mismatched id %q", id, unit.ID)
	}

	if err := unit.Validate(); err != nil {
		return nil, fmt.Errorf("invalid unit %s: %w", id, err)
	}

	return unit, nil
}

// LoadUnit reads and parses one unit from the project.
func LoadUnit(s *store.Store, id string) (*Unit, error) {
	data, err := s.Read(UnitPath(id))
	if err != nil {
		return nil, err
	}
	return DecodeUnit(id, data)
}

// SaveUnit validates and atomically persists a unit.
func SaveUnit(s *store.Store, unit *Unit) error {
	if err := unit.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid unit: %w", err)
	}

	data, err := unit.Encode()
	if err != nil {
		return err
	}

	return s.WriteAtomic(unit.Path(), data)
}

// LoadAllUnits reads every unit file under drafts/, sorted by filename.
// Invalid files are skipped with a warning so one corrupt unit cannot take
// the whole project down.
func LoadAllUnits(s *store.Store, logger *log.Logger) ([]*Unit, error) {
	names, err := s.List(DraftsDir, ".md")
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}

	var units []*Unit
	for _, name := range names {
		id := strings.TrimSuffix(name, ".md")
		unit, err := LoadUnit(s, id)
		if err != nil {
			if logger != nil {
				logger.Printf("Warning: skipping invalid unit file %s: %v", name, err)
			}
			continue
		}
		units = append(units, unit)
	}

	return units, nil
}
