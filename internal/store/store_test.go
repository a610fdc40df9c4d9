package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nightwatchhq/nightwatch/internal/personas"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nightwatch.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SeedsRosterOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	active, err := s.Personas.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 4 {
		t.Fatalf("expected 4 seeded personas, got %d", len(active))
	}
	for _, name := range []string{"Dev", "Carlos", "Maya", "Priya"} {
		if _, ok := personas.ByName(active, name); !ok {
			t.Errorf("seed missing persona %q", name)
		}
	}

	// Re-running the seed path must not duplicate anyone.
	if err := s.seedPersonas(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	again, _ := s.Personas.GetActive(ctx)
	if len(again) != 4 {
		t.Fatalf("seed is not idempotent: %d personas", len(again))
	}
}

func TestPersonaStore_UpdateAndEnvMerge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	active, _ := s.Personas.GetActive(ctx)
	dev, _ := personas.ByName(active, "Dev")

	err := s.Personas.Update(ctx, dev.ID, personas.Patch{
		ModelConfig: &personas.ModelConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5-20250929",
			Env:      map[string]string{"ANTHROPIC_API_KEY": "sk-original"},
		},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Personas.GetByID(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ModelConfig == nil || got.ModelConfig.Env["ANTHROPIC_API_KEY"] != "sk-original" {
		t.Fatalf("env value did not round-trip: %+v", got.ModelConfig)
	}

	// The masked sentinel keeps the stored secret.
	err = s.Personas.Update(ctx, dev.ID, personas.Patch{
		ModelConfig: &personas.ModelConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5-20250929",
			Env:      map[string]string{"ANTHROPIC_API_KEY": EnvMaskSentinel},
		},
	})
	if err != nil {
		t.Fatalf("masked Update: %v", err)
	}
	got, _ = s.Personas.GetByID(ctx, dev.ID)
	if got.ModelConfig.Env["ANTHROPIC_API_KEY"] != "sk-original" {
		t.Errorf("masked update should keep the old secret, got %q", got.ModelConfig.Env["ANTHROPIC_API_KEY"])
	}
}

func TestPersonaStore_EnvEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	active, _ := s.Personas.GetActive(ctx)
	maya, _ := personas.ByName(active, "Maya")

	err := s.Personas.Update(ctx, maya.ID, personas.Patch{
		ModelConfig: &personas.ModelConfig{
			Env: map[string]string{"OPENAI_API_KEY": "sk-secret"},
		},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT model_config FROM agent_personas WHERE id = ?`, maya.ID).Scan(&raw)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if !strings.Contains(raw, "enc:v1:") {
		t.Errorf("model_config should hold enc:v1 values, got %s", raw)
	}
	if strings.Contains(raw, "sk-secret") {
		t.Error("plaintext secret leaked into the stored row")
	}
}

func TestDiscussionStore_CRUDAndLookups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	d := &Discussion{
		ID:           "d-1",
		ProjectPath:  "/srv/app",
		TriggerType:  "pr_review",
		TriggerRef:   "42",
		ChannelID:    "C_ENG",
		ThreadAnchor: "1717000000.000100",
		Status:       StatusActive,
		Round:        1,
		Participants: []string{"p-dev"},
	}
	if err := s.Discussions.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Discussions.Latest(ctx, "/srv/app", "pr_review", "42")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil || got.ID != "d-1" || got.Status != StatusActive {
		t.Fatalf("Latest returned %+v", got)
	}

	byAnchor, err := s.Discussions.ActiveByAnchor(ctx, "C_ENG", "1717000000.000100")
	if err != nil {
		t.Fatalf("ActiveByAnchor: %v", err)
	}
	if byAnchor == nil || byAnchor.ID != "d-1" {
		t.Fatalf("ActiveByAnchor returned %+v", byAnchor)
	}

	d.Status = StatusConsensus
	d.ConsensusResult = ResultApproved
	d.RepliesUsed = 3
	if err := s.Discussions.Update(ctx, d); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ = s.Discussions.Get(ctx, "d-1")
	if got.Status != StatusConsensus || got.ConsensusResult != ResultApproved || got.RepliesUsed != 3 {
		t.Fatalf("update did not persist: %+v", got)
	}

	// A terminal discussion no longer resolves by anchor.
	byAnchor, _ = s.Discussions.ActiveByAnchor(ctx, "C_ENG", "1717000000.000100")
	if byAnchor != nil {
		t.Fatal("terminal discussion should not be active by anchor")
	}

	if missing, _ := s.Discussions.Latest(ctx, "/srv/app", "pr_review", "999"); missing != nil {
		t.Fatal("Latest for unknown ref should be nil")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if m, err := s.Memory.Get(ctx, "Dev", "app"); err != nil || m != "" {
		t.Fatalf("empty memory read: %q, %v", m, err)
	}
	if err := s.Memory.Set(ctx, "Dev", "app", "raised the retry-loop concern"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if m, _ := s.Memory.Get(ctx, "Dev", "app"); m != "raised the retry-loop concern" {
		t.Fatalf("memory round trip: %q", m)
	}
}

func TestProjectStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pr := Project{Path: "/srv/app", Name: "app", ChannelID: "C_ENG", Repo: "org/app"}
	if err := s.Projects.Upsert(ctx, pr); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	pr.ChannelID = "C_NEW"
	if err := s.Projects.Upsert(ctx, pr); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	all, err := s.Projects.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].ChannelID != "C_NEW" {
		t.Fatalf("unexpected registry state: %+v", all)
	}
}

func TestMetaStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if v, _ := s.Meta.Get(ctx, "missing"); v != "" {
		t.Fatal("missing key should read empty")
	}
	if err := s.Meta.Set(ctx, MetaIntroLedger, `["Dev"]`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Meta.Set(ctx, MetaIntroLedger, `["Dev","Maya"]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := s.Meta.Get(ctx, MetaIntroLedger); v != `["Dev","Maya"]` {
		t.Fatalf("got %q", v)
	}
}
