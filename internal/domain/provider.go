package domain

import "context"

// CompletionRequest is a single-shot completion call. History is optional
// prior dialogue, oldest first; System is the system prompt.
type CompletionRequest struct {
	System      string
	Prompt      string
	History     []Turn
	MaxTokens   int
	Temperature float64
}

// CompletionResponse carries the model output plus usage accounting.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is a text-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Healthy(ctx context.Context) error
}
