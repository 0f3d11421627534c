// Package prompts holds the system and task prompt templates. Built-in
// defaults cover every slot; a YAML file can override any subset.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set is the full template vocabulary. Placeholders use {name} syntax and
// are filled with Render.
type Set struct {
	IntentSystem   string `yaml:"intent_system"`
	ChatSystem     string `yaml:"chat_system"`
	ContentParse   string `yaml:"content_parse"`
	ContentOutline string `yaml:"content_outline"`
	ContentArticle string `yaml:"content_article"`
	ContentTitles  string `yaml:"content_titles"`
}

func Default() *Set {
	return &Set{
		IntentSystem: strings.TrimSpace(`
You route messages for a WeChat official account. Reply with a single JSON
object: {"intent":"<label>","confidence":<0..1>}. Labels: conversation,
content, analytics, scheduling. Use "conversation" for greetings, questions,
complaints, praise and purchases; "content" for writing or authoring
requests; "analytics" for statistics and report requests; "scheduling" for
publish timing and calendar requests. No other output.`),
		ChatSystem: strings.TrimSpace(`
You are the assistant behind a WeChat official account. Answer in the
language of the user, concise and friendly. Known reader profile: {profile}`),
		ContentParse: strings.TrimSpace(`
Extract the authoring request as JSON:
{"topic":"...","content_type":"article","audience":"general","word_count":800,"keywords":["..."]}
Request: {text}`),
		ContentOutline: strings.TrimSpace(`
Write an outline for a {content_type} about "{topic}" aimed at {audience},
around {word_count} words, covering keywords: {keywords}. Numbered sections
with one-line notes.`),
		ContentArticle: strings.TrimSpace(`
Write the full {content_type} following this outline. Topic: "{topic}",
audience: {audience}, target length {word_count} words.

Outline:
{outline}`),
		ContentTitles: strings.TrimSpace(`
Propose 5 alternative titles for the article below. One per line, no
numbering, no commentary.

{article}`),
	}
}

// Load reads overrides from path on top of the defaults. Empty fields in
// the file keep their default value.
func Load(path string) (*Set, error) {
	out := Default()
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var file Set
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	overlay(out, &file)
	return out, nil
}

func overlay(dst, src *Set) {
	if src.IntentSystem != "" {
		dst.IntentSystem = src.IntentSystem
	}
	if src.ChatSystem != "" {
		dst.ChatSystem = src.ChatSystem
	}
	if src.ContentParse != "" {
		dst.ContentParse = src.ContentParse
	}
	if src.ContentOutline != "" {
		dst.ContentOutline = src.ContentOutline
	}
	if src.ContentArticle != "" {
		dst.ContentArticle = src.ContentArticle
	}
	if src.ContentTitles != "" {
		dst.ContentTitles = src.ContentTitles
	}
}

// Render substitutes {key} placeholders. Unknown placeholders are left
// verbatim so a template typo is visible rather than silent.
func Render(tpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
