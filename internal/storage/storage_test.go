package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"mimir/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "mimir.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "theme"); !errors.Is(err, ErrNotFound) || !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.SetSetting(ctx, "font", "mono"); err != nil {
		t.Fatalf("set font: %v", err)
	}
	v, err := s.GetSetting(ctx, "theme")
	if err != nil || v != "light" {
		t.Fatalf("expected light, got %q (%v)", v, err)
	}
	all, err := s.ListSettings(ctx)
	if err != nil || len(all) != 2 || all[0].Key != "font" {
		t.Fatalf("unexpected settings %+v (%v)", all, err)
	}
	if err := s.DeleteSetting(ctx, "theme"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSetting(ctx, "theme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestCredentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutCredential(ctx, "openai", `{"key_id":"k1"}`); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCredential(ctx, "anthropic", `{"key_id":"k2"}`); err != nil {
		t.Fatalf("put: %v", err)
	}
	c, err := s.GetCredential(ctx, "openai")
	if err != nil || c.EncAPIKey != `{"key_id":"k1"}` {
		t.Fatalf("unexpected credential %+v (%v)", c, err)
	}
	list, err := s.ListCredentials(ctx)
	if err != nil || len(list) != 2 || list[0].Provider != "anthropic" {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
	if err := s.DeleteCredential(ctx, "openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCredential(ctx, "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestUsageLogSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []UsageEntry{
		{Provider: "openai", Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Cost: 0.5},
		{Provider: "openai", Model: "gpt-4", PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25, Cost: 0.25},
		{Provider: "ollama", Model: "llama3", ConversationID: "c1", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
	for _, e := range entries {
		if err := s.LogUsage(ctx, e); err != nil {
			t.Fatalf("log usage: %v", err)
		}
	}
	sum, err := s.SummarizeUsage(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(sum) != 2 || sum[0].Provider != "ollama" || sum[1].Requests != 2 || sum[1].TotalTokens != 40 || sum[1].Cost != 0.75 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", "", true); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
