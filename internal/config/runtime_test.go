package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDefaultRuntimeConfig(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()

	if cfg.SourceFailureThreshold != 4 {
		t.Errorf("SourceFailureThreshold: got %d, want 4", cfg.SourceFailureThreshold)
	}
	if cfg.MinValidFileBytes != 10*1024 {
		t.Errorf("MinValidFileBytes: got %d, want 10240", cfg.MinValidFileBytes)
	}
	if time.Duration(cfg.MaxCountdownWait) != 10*time.Minute {
		t.Errorf("MaxCountdownWait: got %v, want 10m", time.Duration(cfg.MaxCountdownWait))
	}
	if cfg.TransferAttempts != 2 {
		t.Errorf("TransferAttempts: got %d, want 2", cfg.TransferAttempts)
	}
	if cfg.ResumeAttempts != 3 {
		t.Errorf("ResumeAttempts: got %d, want 3", cfg.ResumeAttempts)
	}
	if !cfg.BypassEnabled {
		t.Error("BypassEnabled: got false, want true")
	}
	if len(cfg.FastSourcePriority) == 0 || len(cfg.SlowSourcePriority) == 0 {
		t.Fatal("default source priority lists must not be empty")
	}
	if cfg.FastSourcePriority[0].ID != "donator-api" {
		t.Errorf("first fast source: got %q, want donator-api", cfg.FastSourcePriority[0].ID)
	}
}

func TestRuntimeConfig_EnabledSources(t *testing.T) {
	cfg := &RuntimeConfig{
		FastSourcePriority: []SourcePriorityEntry{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: false},
			{ID: "c", Enabled: true},
		},
		SlowSourcePriority: []SourcePriorityEntry{
			{ID: "x", Enabled: true},
			{ID: "y", Enabled: false},
		},
	}

	got := cfg.EnabledSources(true)
	want := []string{"a", "c", "x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	fastOnly := cfg.EnabledSources(false)
	if len(fastOnly) != 2 || fastOnly[0] != "a" || fastOnly[1] != "c" {
		t.Fatalf("fast-only: got %v, want [a c]", fastOnly)
	}
}

func TestRuntimeConfig_JSONRoundTrip(t *testing.T) {
	original := NewDefaultRuntimeConfig()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded RuntimeConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.SourceFailureThreshold != original.SourceFailureThreshold {
		t.Errorf("SourceFailureThreshold: got %d, want %d", decoded.SourceFailureThreshold, original.SourceFailureThreshold)
	}
	if time.Duration(decoded.MaxCountdownWait) != time.Duration(original.MaxCountdownWait) {
		t.Errorf("MaxCountdownWait: got %v, want %v", decoded.MaxCountdownWait, original.MaxCountdownWait)
	}
	if len(decoded.SlowSourcePriority) != len(original.SlowSourcePriority) {
		t.Errorf("SlowSourcePriority length: got %d, want %d", len(decoded.SlowSourcePriority), len(original.SlowSourcePriority))
	}
}

func TestStore_SnapshotSemantics(t *testing.T) {
	store := NewStore(NewDefaultRuntimeConfig())

	before := store.Get()
	store.Update(func(c *RuntimeConfig) {
		c.BypassEnabled = false
	})
	after := store.Get()

	if !before.BypassEnabled {
		t.Error("earlier snapshot must be unaffected by Update")
	}
	if after.BypassEnabled {
		t.Error("Update result not visible through Get")
	}
}
