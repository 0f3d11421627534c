package wechat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"oabot/internal/domain"
	"oabot/internal/metrics"
	"oabot/internal/orchestrator"
)

// platform pushes expect an answer within 5 seconds.
const processTimeout = 4500 * time.Millisecond

// Processor runs one normalized event to completion.
type Processor interface {
	Process(ctx context.Context, event domain.InboundEvent) (*orchestrator.Result, error)
}

// WebhookConfig configures the intake server.
type WebhookConfig struct {
	Port          int
	Path          string // webhook URL path (default: /wechat)
	Token         string // signature verification token
	EnableMetrics bool
	Logger        *slog.Logger
}

// Webhook is the HTTP intake: GET echo verification and POST message pushes.
type Webhook struct {
	port        int
	path        string
	token       string
	withMetrics bool
	proc        Processor
	logger      *slog.Logger
	server      *http.Server
}

func NewWebhook(cfg WebhookConfig, proc Processor) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/wechat"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		port:        cfg.Port,
		path:        cfg.Path,
		token:       cfg.Token,
		withMetrics: cfg.EnableMetrics,
		proc:        proc,
		logger:      cfg.Logger.With("component", "webhook"),
	}
}

// Start runs the server until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "port", w.port, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// Handler exposes the mux, also used directly by tests.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handlePush)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, "ok")
	})
	if w.withMetrics {
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
	}
	return mux
}

func (w *Webhook) handlePush(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !VerifySignature(w.token, q.Get("timestamp"), q.Get("nonce"), q.Get("signature")) {
		w.logger.Warn("signature verification failed", "remote", r.RemoteAddr)
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodGet:
		// Endpoint ownership echo.
		io.WriteString(rw, q.Get("echostr"))
	case http.MethodPost:
		w.handleEvent(rw, r)
	default:
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (w *Webhook) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	env, err := ParseEnvelope(body)
	if err != nil {
		// Unsupported pushes are acked so the platform stops retrying.
		w.logger.Warn("unsupported push", "error", err)
		io.WriteString(rw, "success")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), processTimeout)
	defer cancel()

	res, err := w.proc.Process(ctx, env.Event)
	if err != nil {
		w.logger.Error("event processing failed", "user", env.Event.UserID, "error", err)
		io.WriteString(rw, "success")
		return
	}

	replyXML, err := RenderReply(env, res.Reply, time.Now())
	if err != nil {
		w.logger.Error("reply rendering failed", "error", err)
		io.WriteString(rw, "success")
		return
	}
	if len(replyXML) == 0 {
		io.WriteString(rw, "success")
		return
	}
	rw.Header().Set("Content-Type", "application/xml; charset=utf-8")
	rw.Write(replyXML)
}
