package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsComplete(t *testing.T) {
	s := Default()
	for name, v := range map[string]string{
		"intent_system":   s.IntentSystem,
		"chat_system":     s.ChatSystem,
		"content_parse":   s.ContentParse,
		"content_outline": s.ContentOutline,
		"content_article": s.ContentArticle,
		"content_titles":  s.ContentTitles,
	} {
		if v == "" {
			t.Fatalf("default %s is empty", name)
		}
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte("chat_system: custom persona\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ChatSystem != "custom persona" {
		t.Fatalf("chat_system = %q", s.ChatSystem)
	}
	if s.IntentSystem != Default().IntentSystem {
		t.Fatal("unrelated template lost its default")
	}
}

func TestRender(t *testing.T) {
	got := Render("write about {topic} for {audience}", map[string]string{
		"topic":    "AI",
		"audience": "developers",
	})
	if got != "write about AI for developers" {
		t.Fatalf("render = %q", got)
	}
	if !strings.Contains(Render("keep {unknown}", nil), "{unknown}") {
		t.Fatal("unknown placeholder should stay verbatim")
	}
}
