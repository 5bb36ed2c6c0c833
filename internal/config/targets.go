package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/chosei/internal/model"
)

type targetsFile struct {
	Targets []model.Target `yaml:"targets"`
}

// LoadTargets reads a YAML targets file:
//
//	targets:
//	  - id: docs
//	    schema: rag_system
//	    table: documents
//	    column: embedding
//	    operator: cosine
//	    query_text: artificial intelligence and machine learning
//
// Targets are normalized and validated; IDs must be unique.
func LoadTargets(path string) ([]model.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read targets: %w", err)
	}
	var f targetsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: parse targets %s: %w", path, err)
	}
	return NormalizeTargets(f.Targets)
}

// Targets returns the configured targets: the targets file when set,
// otherwise the single env-described target.
func (c Config) Targets() ([]model.Target, error) {
	if c.TargetsFile != "" {
		return LoadTargets(c.TargetsFile)
	}
	return NormalizeTargets([]model.Target{c.Target})
}

// NormalizeTargets applies target defaults, validates each target and rejects
// duplicate IDs.
func NormalizeTargets(in []model.Target) ([]model.Target, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("config: no targets configured")
	}
	seen := make(map[string]bool, len(in))
	out := make([]model.Target, 0, len(in))
	for _, t := range in {
		t = t.Normalized()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("config: duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}
