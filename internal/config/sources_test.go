package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadSourceFile(t *testing.T) {
	path := writeSourceFile(t, `
fast_sources:
  - id: libgen-li
    enabled: true
slow_sources:
  - id: zlib
    enabled: false
mirrors:
  - "https://mirror-a.example/"
  - " https://mirror-b.example "
`)

	sf, err := LoadSourceFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sf.FastSources) != 1 || sf.FastSources[0].ID != "libgen-li" {
		t.Fatalf("fast sources: got %+v", sf.FastSources)
	}
	if len(sf.SlowSources) != 1 || sf.SlowSources[0].Enabled {
		t.Fatalf("slow sources: got %+v", sf.SlowSources)
	}
	// Mirrors are normalized: trimmed, no trailing slash.
	if sf.Mirrors[0] != "https://mirror-a.example" || sf.Mirrors[1] != "https://mirror-b.example" {
		t.Fatalf("mirrors: got %v", sf.Mirrors)
	}
}

func TestLoadSourceFile_InvalidMirror(t *testing.T) {
	path := writeSourceFile(t, `
mirrors:
  - "ftp://mirror.example"
`)
	if _, err := LoadSourceFile(path); err == nil {
		t.Fatal("expected error for non-http mirror")
	}
}

func TestSourceFile_Apply(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()
	defaultSlow := len(cfg.SlowSourcePriority)

	sf := &SourceFile{
		FastSources: []SourcePriorityEntry{{ID: "only", Enabled: true}},
	}
	sf.Apply(cfg)

	if len(cfg.FastSourcePriority) != 1 || cfg.FastSourcePriority[0].ID != "only" {
		t.Fatalf("fast priority not replaced: %+v", cfg.FastSourcePriority)
	}
	if len(cfg.SlowSourcePriority) != defaultSlow {
		t.Fatal("empty override must leave slow priority untouched")
	}
}
