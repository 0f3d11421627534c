package domain

import (
	"context"
	"fmt"
)

// RouteLabel names a registered handler. The set is closed: anything the
// classifier emits outside this vocabulary is remapped to RouteFallback
// before dispatch.
type RouteLabel string

const (
	RouteConversation RouteLabel = "conversation"
	RouteContent      RouteLabel = "content"
	RouteAnalytics    RouteLabel = "analytics"
	RouteScheduling   RouteLabel = "scheduling"
	RouteWelcome      RouteLabel = "welcome"
	RouteFarewell     RouteLabel = "farewell"
	RouteMenu         RouteLabel = "menu"
	RouteFallback     RouteLabel = "fallback_conversation"
)

// KnownRoutes is the full routing vocabulary, used by the classifier to
// validate provider output.
func KnownRoutes() []RouteLabel {
	return []RouteLabel{
		RouteConversation, RouteContent, RouteAnalytics, RouteScheduling,
		RouteWelcome, RouteFarewell, RouteMenu, RouteFallback,
	}
}

// HandlerResult is what a successful handler invocation produces.
// SideEffects carries machine-readable tokens for actions beyond the reply,
// e.g. "draft_created:<id>" or "schedule_created:<id>".
type HandlerResult struct {
	Reply       Reply
	SideEffects []string
}

// Handler executes one routed event against a snapshot of the user's
// conversation context. The snapshot may be nil when the context cache is
// unavailable; handlers must still produce a best-effort result.
type Handler interface {
	Handle(ctx context.Context, event InboundEvent, conv *ConversationContext) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event InboundEvent, conv *ConversationContext) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, event InboundEvent, conv *ConversationContext) (*HandlerResult, error) {
	return f(ctx, event, conv)
}

// ErrorKind distinguishes handler failures for logging and metrics.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation" // bad request shape, not retryable
	ErrUpstream   ErrorKind = "upstream"   // provider/platform dependency failed
	ErrInternal   ErrorKind = "internal"   // bug or unexpected state
)

// HandlerError is the typed failure every handler returns. The orchestrator
// treats any handler error the same way (FAILED → fallback reply) but logs
// the kind.
type HandlerError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError wraps err with a kind and message.
func NewHandlerError(kind ErrorKind, message string, err error) *HandlerError {
	return &HandlerError{Kind: kind, Message: message, Err: err}
}
