package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/store"
)

// Project-relative manifest locations.
const (
	ManifestPath = "project.json"
	OutlinePath  = "outline.json"
)

// Manifest is the project.json file. Loaded at project open and regenerated
// from disk on reload; never mutated in place.
type Manifest struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// Budget limits. Hard must be >= soft.
	SoftLimitUSD float64 `json:"soft_limit_usd"`
	HardLimitUSD float64 `json:"hard_limit_usd"`

	// DraftID identifies the active draft within the project.
	DraftID string `json:"draft_id"`
}

// Validate checks the manifest's invariants.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if m.SoftLimitUSD < 0 || m.HardLimitUSD < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}
	if m.HardLimitUSD < m.SoftLimitUSD {
		return fmt.Errorf("hard limit %.2f must be >= soft limit %.2f",
			m.HardLimitUSD, m.SoftLimitUSD)
	}
	return nil
}

// SetDefaults applies defaults for optional fields.
func (m *Manifest) SetDefaults() {
	if m.DraftID == "" {
		m.DraftID = "draft_main"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

// LoadManifest reads and validates project.json.
func LoadManifest(s *store.Store) (*Manifest, error) {
	data, err := s.Read(ManifestPath)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestPath, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestPath, err)
	}

	return &m, nil
}

// SaveManifest validates and atomically persists project.json.
func SaveManifest(s *store.Store, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid manifest: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	return s.WriteAtomic(ManifestPath, data)
}

// OutlineScene is one entry in the outline's scene list.
type OutlineScene struct {
	UnitID  string `json:"unit_id" yaml:"unit_id"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Outline is the outline.json structure manifest. Snapshots record its
// reference checksum next to the unit checksums.
type Outline struct {
	Title  string         `json:"title,omitempty" yaml:"title,omitempty"`
	Scenes []OutlineScene `json:"scenes" yaml:"scenes"`
}

// LoadOutline reads outline.json. A project without an outline returns an
// empty outline rather than an error.
func LoadOutline(s *store.Store) (*Outline, error) {
	data, err := s.Read(OutlinePath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Outline{}, nil
		}
		return nil, err
	}

	var o Outline
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", OutlinePath, err)
	}

	return &o, nil
}

// SaveOutline atomically persists outline.json.
func SaveOutline(s *store.Store, o *Outline) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outline: %w", err)
	}
	return s.WriteAtomic(OutlinePath, data)
}

// OutlineChecksum returns the reference checksum of the stored outline, or
// the zero checksum when no outline exists.
func OutlineChecksum(s *store.Store) (checksum.Checksum, error) {
	data, err := s.Read(OutlinePath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return checksum.Checksum{}, nil
		}
		return checksum.Checksum{}, err
	}
	return checksum.Fingerprint(string(data)), nil
}
