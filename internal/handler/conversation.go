// Package handler implements the route handlers dispatched by the
// orchestrator.
package handler

import (
	"context"
	"log/slog"

	"oabot/internal/cache"
	"oabot/internal/domain"
	"oabot/internal/prompts"
)

const historyTurns = 5

// Conversation answers free-form chat. FAQ matches from the store win over
// the completion provider; derived profile traits are refreshed after every
// exchange.
type Conversation struct {
	provider  domain.Provider
	store     domain.Store
	cache     cache.Cache
	templates *prompts.Set
	logger    *slog.Logger
}

type ConversationConfig struct {
	Provider  domain.Provider
	Store     domain.Store
	Cache     cache.Cache
	Templates *prompts.Set
	Logger    *slog.Logger
}

func NewConversation(cfg ConversationConfig) *Conversation {
	if cfg.Templates == nil {
		cfg.Templates = prompts.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conversation{
		provider:  cfg.Provider,
		store:     cfg.Store,
		cache:     cfg.Cache,
		templates: cfg.Templates,
		logger:    cfg.Logger.With("handler", "conversation"),
	}
}

func (h *Conversation) Handle(ctx context.Context, event domain.InboundEvent, conv *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.store != nil {
		if faq, err := h.store.SearchFAQ(ctx, event.Text); err != nil {
			h.logger.Warn("faq lookup failed", "error", err)
		} else if faq != nil {
			h.touch(ctx, event.UserID)
			return &domain.HandlerResult{
				Reply: domain.Reply{Kind: domain.ReplyText, Text: faq.Answer},
			}, nil
		}
	}

	if h.provider == nil {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "no completion provider configured", nil)
	}

	system := prompts.Render(h.templates.ChatSystem, map[string]string{
		"profile": profileSummary(conv),
	})
	resp, err := h.provider.Complete(ctx, domain.CompletionRequest{
		System:  system,
		Prompt:  event.Text,
		History: conv.LastTurns(historyTurns),
	})
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "completion failed", err)
	}

	h.touch(ctx, event.UserID)
	if h.cache != nil {
		if err := h.cache.PutDerived(ctx, event.UserID, "last_intent", "conversation"); err != nil {
			h.logger.Warn("derived trait update failed", "user", event.UserID, "error", err)
		}
	}

	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyText, Text: resp.Text},
	}, nil
}

func (h *Conversation) touch(ctx context.Context, userID string) {
	if h.store == nil {
		return
	}
	if err := h.store.TouchUser(ctx, userID); err != nil {
		h.logger.Warn("user touch failed", "user", userID, "error", err)
	}
}

func profileSummary(conv *domain.ConversationContext) string {
	if conv == nil || len(conv.Profile) == 0 {
		return "none"
	}
	out := ""
	for k, v := range conv.Profile {
		if out != "" {
			out += ", "
		}
		out += k + "=" + v
	}
	return out
}
