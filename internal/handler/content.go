package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"oabot/internal/domain"
	"oabot/internal/prompts"
)

// Content turns an authoring request into a stored draft: parse the brief,
// outline, write the article, propose titles, save. The draft id is emitted
// as a draft_created side-effect token.
type Content struct {
	provider  domain.Provider
	store     domain.Store
	templates *prompts.Set
	logger    *slog.Logger
}

type ContentConfig struct {
	Provider  domain.Provider
	Store     domain.Store
	Templates *prompts.Set
	Logger    *slog.Logger
}

func NewContent(cfg ContentConfig) *Content {
	if cfg.Templates == nil {
		cfg.Templates = prompts.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Content{
		provider:  cfg.Provider,
		store:     cfg.Store,
		templates: cfg.Templates,
		logger:    cfg.Logger.With("handler", "content"),
	}
}

type authoringBrief struct {
	Topic       string   `json:"topic"`
	ContentType string   `json:"content_type"`
	Audience    string   `json:"audience"`
	WordCount   int      `json:"word_count"`
	Keywords    []string `json:"keywords"`
}

func (h *Content) Handle(ctx context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.provider == nil {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "no completion provider configured", nil)
	}

	brief := h.parseBrief(ctx, event.Text)

	vars := map[string]string{
		"topic":        brief.Topic,
		"content_type": brief.ContentType,
		"audience":     brief.Audience,
		"word_count":   strconv.Itoa(brief.WordCount),
		"keywords":     strings.Join(brief.Keywords, ", "),
	}

	outline, err := h.complete(ctx, prompts.Render(h.templates.ContentOutline, vars))
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "outline generation failed", err)
	}
	vars["outline"] = outline

	article, err := h.complete(ctx, prompts.Render(h.templates.ContentArticle, vars))
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "article generation failed", err)
	}

	titles := h.titleVariants(ctx, article, brief.Topic)

	draft := domain.Content{
		ID:            uuid.NewString(),
		Title:         titles[0],
		Body:          article,
		Summary:       outline,
		Status:        domain.ContentDraft,
		Topic:         brief.Topic,
		Keywords:      brief.Keywords,
		TitleVariants: titles,
	}
	if h.store != nil {
		if err := h.store.SaveContent(ctx, draft); err != nil {
			return nil, domain.NewHandlerError(domain.ErrInternal, "draft save failed", err)
		}
	}

	reply := fmt.Sprintf("草稿已生成：《%s》\n\n大纲：\n%s\n\n回复“定时发布”可安排发布时间。", draft.Title, outline)
	return &domain.HandlerResult{
		Reply:       domain.Reply{Kind: domain.ReplyText, Text: reply},
		SideEffects: []string{"draft_created:" + draft.ID},
	}, nil
}

// parseBrief asks the provider to structure the request; on any failure the
// raw text becomes the topic with sensible defaults.
func (h *Content) parseBrief(ctx context.Context, text string) authoringBrief {
	brief := authoringBrief{
		Topic:       strings.TrimSpace(text),
		ContentType: "article",
		Audience:    "general",
		WordCount:   800,
	}

	resp, err := h.provider.Complete(ctx, domain.CompletionRequest{
		Prompt:      prompts.Render(h.templates.ContentParse, map[string]string{"text": text}),
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		h.logger.Warn("brief parse failed, using defaults", "error", err)
		return brief
	}

	start := strings.Index(resp.Text, "{")
	end := strings.LastIndex(resp.Text, "}")
	if start < 0 || end <= start {
		return brief
	}
	var parsed authoringBrief
	if err := json.Unmarshal([]byte(resp.Text[start:end+1]), &parsed); err != nil {
		h.logger.Warn("brief json malformed, using defaults", "error", err)
		return brief
	}
	if parsed.Topic != "" {
		brief.Topic = parsed.Topic
	}
	if parsed.ContentType != "" {
		brief.ContentType = parsed.ContentType
	}
	if parsed.Audience != "" {
		brief.Audience = parsed.Audience
	}
	if parsed.WordCount > 0 {
		brief.WordCount = parsed.WordCount
	}
	if len(parsed.Keywords) > 0 {
		brief.Keywords = parsed.Keywords
	}
	return brief
}

func (h *Content) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := h.provider.Complete(ctx, domain.CompletionRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Text, nil
}

// titleVariants always returns at least one title so the draft can be saved
// even when the title pass fails.
func (h *Content) titleVariants(ctx context.Context, article, topic string) []string {
	resp, err := h.provider.Complete(ctx, domain.CompletionRequest{
		Prompt:    prompts.Render(h.templates.ContentTitles, map[string]string{"article": article}),
		MaxTokens: 256,
	})
	if err != nil {
		h.logger.Warn("title generation failed", "error", err)
		return []string{topic}
	}
	var titles []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		titles = append(titles, line)
		if len(titles) == 5 {
			break
		}
	}
	if len(titles) == 0 {
		return []string{topic}
	}
	return titles
}
