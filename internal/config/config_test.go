package config_test

import (
	"context"
	"testing"

	"github.com/steveyegge/gastown-townd/internal/config"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

func TestIsMasked(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"****", true},
		{"****abcd", true},
		{"plain-value", false},
		{"", false},
	}
	for _, tt := range cases {
		if got := config.IsMasked(tt.value); got != tt.want {
			t.Errorf("IsMasked(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestMergeEnvPreservesMaskedValues(t *testing.T) {
	existing := map[string]string{"API_KEY": "real-secret", "OTHER": "x"}
	incoming := map[string]string{"API_KEY": "****", "NEW": "y"}

	merged := config.MergeEnv(existing, incoming)
	if merged["API_KEY"] != "real-secret" {
		t.Errorf("API_KEY = %q, want preserved real-secret", merged["API_KEY"])
	}
	if merged["NEW"] != "y" {
		t.Errorf("NEW = %q, want y", merged["NEW"])
	}
	if _, ok := merged["OTHER"]; ok {
		t.Errorf("OTHER should not survive: a PATCH replaces the env map, and OTHER was omitted from incoming")
	}
	if len(merged) != 2 {
		t.Errorf("merged = %v, want exactly API_KEY and NEW", merged)
	}
}

func TestMergeEnvMaskedWithNoExistingValueIsDropped(t *testing.T) {
	merged := config.MergeEnv(nil, map[string]string{"NEVER_SET": "****"})
	if _, ok := merged["NEVER_SET"]; ok {
		t.Error("a mask with no prior value should not create a literal \"****\" entry")
	}
}

func TestStoreSetAndGetTownEnvMasking(t *testing.T) {
	store, err := sqlstore.OpenMemory()
	if err != nil {
		t.Fatalf("opening memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.NewStore(store)
	ctx := context.Background()

	if err := cfg.SetTownEnv(ctx, "town-1", map[string]string{"API_KEY": "real-secret"}); err != nil {
		t.Fatalf("SetTownEnv: %v", err)
	}
	if err := cfg.SetTownEnv(ctx, "town-1", map[string]string{"API_KEY": "****", "MODEL": "gpt-5"}); err != nil {
		t.Fatalf("SetTownEnv (masked update): %v", err)
	}

	got, err := cfg.GetTownEnv(ctx, "town-1")
	if err != nil {
		t.Fatalf("GetTownEnv: %v", err)
	}
	if got["API_KEY"] != "real-secret" {
		t.Errorf("API_KEY = %q, want preserved real-secret", got["API_KEY"])
	}
	if got["MODEL"] != "gpt-5" {
		t.Errorf("MODEL = %q, want gpt-5", got["MODEL"])
	}
}

func TestRigEnvIsSeparateFromTownEnv(t *testing.T) {
	store, err := sqlstore.OpenMemory()
	if err != nil {
		t.Fatalf("opening memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.NewStore(store)
	ctx := context.Background()

	if err := cfg.SetTownEnv(ctx, "town-1", map[string]string{"X": "town-value"}); err != nil {
		t.Fatalf("SetTownEnv: %v", err)
	}
	if err := cfg.SetRigEnv(ctx, "rig-1", map[string]string{"X": "rig-value"}); err != nil {
		t.Fatalf("SetRigEnv: %v", err)
	}

	townEnv, err := cfg.GetTownEnv(ctx, "town-1")
	if err != nil {
		t.Fatalf("GetTownEnv: %v", err)
	}
	rigEnv, err := cfg.GetRigEnv(ctx, "rig-1")
	if err != nil {
		t.Fatalf("GetRigEnv: %v", err)
	}
	if townEnv["X"] != "town-value" || rigEnv["X"] != "rig-value" {
		t.Errorf("town/rig env namespaces leaked into each other: town=%v rig=%v", townEnv, rigEnv)
	}
}
