package draft

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Outline interop with external outline editors, which exchange YAML rather
// than the project's canonical outline.json.

// OutlineFromYAML parses an outline document exported by an outline editor.
func OutlineFromYAML(data []byte) (*Outline, error) {
	var doc struct {
		Title  string `yaml:"title"`
		Scenes []struct {
			UnitID  string `yaml:"unit_id"`
			Title   string `yaml:"title"`
			Summary string `yaml:"summary"`
		} `yaml:"scenes"`
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse outline YAML: %w", err)
	}

	o := &Outline{Title: doc.Title}
	for i, s := range doc.Scenes {
		if s.UnitID == "" {
			return nil, fmt.Errorf("outline scene %d is missing unit_id", i)
		}
		o.Scenes = append(o.Scenes, OutlineScene{
			UnitID:  s.UnitID,
			Title:   s.Title,
			Summary: s.Summary,
		})
	}

	return o, nil
}

// OutlineToYAML renders the outline for external editors.
func OutlineToYAML(o *Outline) ([]byte, error) {
	data, err := yaml.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outline YAML: %w", err)
	}
	return data, nil
}
