package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

func TestBuiltinTemplatesLoaded(t *testing.T) {
	f := New()
	got := strings.Join(f.Names(), ",")
	if got != "bugFix,codeExplanation,codeGeneration,system" {
		t.Fatalf("unexpected templates %s", got)
	}
}

func TestFormatTemplateReplacesAndDropsPlaceholders(t *testing.T) {
	f := New()
	f.Register("t", "Hello {name}, {name}! Missing: [{unknown}] keep {not a var}")
	out, err := f.FormatTemplate("t", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out != "Hello Ada, Ada! Missing: [] keep {not a var}" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFormatTemplateDoesNotCascade(t *testing.T) {
	f := New()
	f.Register("t", "{a}|{b}")
	for i := 0; i < 50; i++ {
		out, err := f.FormatTemplate("t", map[string]string{"a": "{b}", "b": "X"})
		if err != nil {
			t.Fatalf("format: %v", err)
		}
		if out != "{b}|X" {
			t.Fatalf("call %d: unexpected output %q", i, out)
		}
	}
}

func TestFormatTemplateUnknown(t *testing.T) {
	_, err := New().FormatTemplate("nope", nil)
	if !errors.Is(err, ErrUnknownTemplate) || !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected unknown template, got %v", err)
	}
}

func TestCodeGenerationTemplate(t *testing.T) {
	out, err := New().FormatTemplate(TemplateCodeGeneration, map[string]string{"language": "Go", "requirements": "a stack"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(out, "best practices for Go") || !strings.Contains(out, "a stack") {
		t.Fatalf("variables not substituted: %s", out)
	}
	if strings.Contains(out, "{projectContext}") {
		t.Fatalf("leftover placeholder not removed")
	}
}

func history(n int) []providers.Message {
	out := make([]providers.Message, n)
	for i := range out {
		out[i] = providers.Message{Role: providers.RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	return out
}

func TestCreatePromptHistoryPolicy(t *testing.T) {
	f := New()
	cases := []struct {
		max  int
		want int
	}{{0, 5}, {-1, 8}, {3, 3}, {20, 8}}
	for _, c := range cases {
		p, err := f.CreatePrompt("q", Options{History: history(8), MaxHistory: c.max})
		if err != nil {
			t.Fatalf("create prompt: %v", err)
		}
		if got := len(p.Messages) - 2; got != c.want {
			t.Fatalf("MaxHistory=%d kept %d entries, want %d", c.max, got, c.want)
		}
		if p.Messages[len(p.Messages)-2].Content != "m7" {
			t.Fatalf("most recent history entry must be kept")
		}
	}
}

func TestCreatePromptRendersContext(t *testing.T) {
	p, err := New().CreatePrompt("fix it", Options{
		ProjectContext: "a vue app",
		CodeContext:    []CodeContext{{FileName: "main.go", Language: "go", Code: "package main"}, {Path: "src/a.js", Code: "x()"}},
	})
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	if p.Messages[0].Role != providers.RoleSystem || !strings.Contains(p.Messages[0].Content, "Mimir AI Assistant") {
		t.Fatalf("expected system prompt first")
	}
	user := p.Messages[len(p.Messages)-1]
	want := "\n# Project Context\na vue app\n\n# Code Context\n\n## File: main.go\n\n```go\npackage main\n```\n\n## File: src/a.js\n\n```javascript\nx()\n```\n\n\nfix it"
	if user.Content != want {
		t.Fatalf("unexpected user content:\n%q\nwant:\n%q", user.Content, want)
	}
	if p.Temperature != providers.DefaultTemperature || p.MaxTokens != providers.DefaultMaxTokens {
		t.Fatalf("unexpected defaults %+v", p)
	}
}

func TestLoadTemplateFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "review.md")
	if err := os.WriteFile(file, []byte("Review {code}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := New()
	if err := f.LoadTemplateFile(file, "review"); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := f.FormatTemplate("review", map[string]string{"code": "x"})
	if err != nil || out != "Review x" {
		t.Fatalf("unexpected %q %v", out, err)
	}
	if err := f.LoadTemplateFile(filepath.Join(dir, "missing.md"), "m"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{{Content: "abcd"}, {Content: "e"}}
	if got := EstimateTokens(msgs); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
