package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName returns the canonical pact file name for this pact:
// "<Consumer>-<Provider>.json".
func (p *Pact) FileName() string {
	return fmt.Sprintf("%s-%s.json", p.Consumer.Name, p.Provider.Name)
}

// LoadFile reads a pact from a JSON or YAML file, selected by extension.
func LoadFile(path string) (*Pact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pact file: %w", err)
	}

	var pact Pact
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pact); err != nil {
			return nil, fmt.Errorf("failed to parse pact YAML %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &pact); err != nil {
			return nil, fmt.Errorf("failed to parse pact JSON %s: %w", path, err)
		}
	}

	if err := pact.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pact file %s: %w", path, err)
	}
	return &pact, nil
}

// WriteFile writes the pact to dir under its canonical file name. When a
// pact file for the same consumer/provider pair already exists, its
// interactions are merged in: interactions with the same description and
// provider states are replaced, everything else is preserved in order.
// Returns the path written.
func (p *Pact) WriteFile(dir string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	out := *p
	path := filepath.Join(dir, p.FileName())
	if existing, err := LoadFile(path); err == nil {
		out.Interactions = mergeInteractions(existing.Interactions, p.Interactions)
	}
	if out.Metadata == nil {
		out.Metadata = DefaultMetadata()
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize pact: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write pact file: %w", err)
	}
	return path, nil
}

// mergeInteractions merges updated interactions into an existing ordered
// list. Matching description+state pairs are replaced in place; new
// interactions are appended in their original order.
func mergeInteractions(existing, updated []Interaction) []Interaction {
	merged := make([]Interaction, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(existing))
	for i := range merged {
		index[merged[i].key()] = i
	}

	for _, in := range updated {
		if i, ok := index[in.key()]; ok {
			merged[i] = in
			continue
		}
		index[in.key()] = len(merged)
		merged = append(merged, in)
	}
	return merged
}
