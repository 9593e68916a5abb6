package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceFile is the optional YAML file that overrides source priority and
// mirror lists. Absent fields leave the corresponding defaults untouched.
type SourceFile struct {
	FastSources []SourcePriorityEntry `yaml:"fast_sources"`
	SlowSources []SourcePriorityEntry `yaml:"slow_sources"`
	Mirrors     []string              `yaml:"mirrors"`
}

// LoadSourceFile parses the YAML source configuration at path.
func LoadSourceFile(path string) (*SourceFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source config: %w", err)
	}
	var sf SourceFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse source config %s: %w", path, err)
	}
	for i, m := range sf.Mirrors {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m == "" || !strings.HasPrefix(m, "http") {
			return nil, fmt.Errorf("source config %s: invalid mirror %q", path, sf.Mirrors[i])
		}
		sf.Mirrors[i] = m
	}
	return &sf, nil
}

// Apply merges the file's overrides into cfg.
func (sf *SourceFile) Apply(cfg *RuntimeConfig) {
	if len(sf.FastSources) > 0 {
		cfg.FastSourcePriority = sf.FastSources
	}
	if len(sf.SlowSources) > 0 {
		cfg.SlowSourcePriority = sf.SlowSources
	}
	if len(sf.Mirrors) > 0 {
		cfg.ArchiveMirrors = sf.Mirrors
	}
}
