package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oabot/internal/cache"
	"oabot/internal/classifier"
	"oabot/internal/config"
	"oabot/internal/credential"
	"oabot/internal/domain"
	"oabot/internal/handler"
	"oabot/internal/jobs"
	"oabot/internal/orchestrator"
	"oabot/internal/prompts"
	"oabot/internal/provider"
	"oabot/internal/store"
	"oabot/internal/wechat"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "oabot",
		Short: "oabot: WeChat official-account agent engine",
		Long:  "oabot routes official-account messages through intent classification to specialized handlers and runs the account's background jobs.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.oabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(jobsCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

// newLogger builds the process logger from the general section.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

// app is the assembled runtime shared by serve and one-shot job runs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	cache    cache.Cache
	client   *wechat.Client
	provider domain.Provider
	orch     *orchestrator.Orchestrator
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	ctxCache := buildCache(ctx, cfg, log)

	creds := credential.NewManager(credential.Config{
		AppID:  cfg.WeChat.AppID,
		Secret: cfg.WeChat.AppSecret,
		Logger: log,
	})
	client := wechat.NewClient(wechat.ClientConfig{Credentials: creds, Logger: log})

	prov := provider.NewClaude(provider.ClaudeConfig{
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		BaseURL: cfg.Provider.APIBase,
		Logger:  log,
	})

	templates, err := prompts.Load(cfg.Provider.PromptsFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("prompts: %w", err)
	}

	conversation := handler.NewConversation(handler.ConversationConfig{
		Provider:  prov,
		Store:     st,
		Cache:     ctxCache,
		Templates: templates,
		Logger:    log,
	})

	// The conversation handler doubles as the fallback for unknown and
	// degraded routes.
	registry := orchestrator.NewRegistry(conversation)
	registry.Register(domain.RouteConversation, conversation)
	registry.Register(domain.RouteContent, handler.NewContent(handler.ContentConfig{
		Provider:  prov,
		Store:     st,
		Templates: templates,
		Logger:    log,
	}))
	registry.Register(domain.RouteAnalytics, handler.NewAnalytics(handler.AnalyticsConfig{
		Store:  st,
		Cache:  ctxCache,
		Logger: log,
	}))
	registry.Register(domain.RouteScheduling, handler.NewScheduling(handler.SchedulingConfig{
		Store:  st,
		Logger: log,
	}))
	registry.Register(domain.RouteWelcome, handler.NewWelcome(handler.WelcomeConfig{Store: st, Logger: log}))
	registry.Register(domain.RouteFarewell, handler.NewFarewell(handler.FarewellConfig{Store: st, Logger: log}))
	registry.Register(domain.RouteMenu, handler.NewMenu(handler.MenuConfig{Logger: log}))

	orch := orchestrator.New(orchestrator.Config{
		Classifier: classifier.New(classifier.Config{Provider: prov, Templates: templates, Logger: log}),
		Registry:   registry,
		Cache:      ctxCache,
		Logger:     log,
	})

	return &app{
		cfg:      cfg,
		logger:   log,
		store:    st,
		cache:    ctxCache,
		client:   client,
		provider: prov,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
	a.store.Close()
}

// buildCache prefers Redis when configured, falling back to the in-process
// cache when the initial ping fails.
func buildCache(ctx context.Context, cfg *config.Config, log *slog.Logger) cache.Cache {
	cc := cache.Config{
		MaxTurns:    cfg.Cache.MaxTurns,
		DialogueTTL: time.Duration(cfg.Cache.DialogueTTLDays) * 24 * time.Hour,
		ProfileTTL:  time.Duration(cfg.Cache.ProfileTTLHours) * time.Hour,
	}
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemoryCache(cc)
	}

	rc := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	}, cc)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn("redis unreachable, using in-process cache", "addr", cfg.Cache.RedisAddr, "err", err)
		rc.Close()
		return cache.NewMemoryCache(cc)
	}
	log.Info("redis cache connected", "addr", cfg.Cache.RedisAddr)
	return rc
}

func (a *app) jobRunner() *jobs.Runner {
	runner := jobs.NewRunner(a.logger)
	jobs.RegisterAll(runner, jobs.Deps{
		Store:     a.store,
		Cache:     a.cache,
		Publisher: a.client,
		Stats:     a.client,
		Provider:  a.provider,
		Logger:    a.logger,
	}, jobs.Intervals{
		Publish:  time.Duration(a.cfg.Jobs.PublishIntervalMinutes) * time.Minute,
		Collect:  time.Duration(a.cfg.Jobs.CollectIntervalMinutes) * time.Minute,
		Reports:  time.Duration(a.cfg.Jobs.ReportIntervalHours) * time.Hour,
		Trending: time.Duration(a.cfg.Jobs.TrendingIntervalMins) * time.Minute,
	})
	return runner
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and background jobs",
		Long:  "Starts the message webhook and, when enabled, the scheduled jobs. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.provider.Healthy(ctx); err != nil {
		a.logger.Warn("completion provider unhealthy at startup", "provider", a.provider.Name(), "err", err)
	} else {
		a.logger.Info("completion provider healthy", "provider", a.provider.Name())
	}

	var runner *jobs.Runner
	if cfg.Jobs.Enabled {
		runner = a.jobRunner()
		go runner.Start(ctx)
	} else {
		a.logger.Info("background jobs disabled")
	}

	webhook := wechat.NewWebhook(wechat.WebhookConfig{
		Port:          cfg.WeChat.WebhookPort,
		Path:          cfg.WeChat.WebhookPath,
		Token:         cfg.WeChat.Token,
		EnableMetrics: cfg.Metrics.Enabled,
		Logger:        a.logger,
	}, a.orch)

	a.logger.Info("oabot started", "version", version)
	err = webhook.Start(ctx)

	if runner != nil {
		runner.Stop()
	}
	return err
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run background jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, name := range a.jobRunner().Names() {
				fmt.Println(name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run [name]",
		Short: "Run one job immediately (e.g. publish-due-content)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.jobRunner().RunOnce(ctx, args[0])
		},
	})

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			prov := provider.NewClaude(provider.ClaudeConfig{
				APIKey:  cfg.Provider.APIKey,
				Model:   cfg.Provider.Model,
				BaseURL: cfg.Provider.APIBase,
				Logger:  logger,
			})
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}

			if cfg.Cache.RedisAddr != "" {
				rc := cache.NewRedisCache(cache.RedisConfig{
					Addr:     cfg.Cache.RedisAddr,
					Password: cfg.Cache.RedisPassword,
					DB:       cfg.Cache.RedisDB,
				}, cache.Config{})
				if err := rc.Ping(ctx); err != nil {
					logger.Info("cache", "backend", "redis", "reachable", false)
				} else {
					logger.Info("cache", "backend", "redis", "reachable", true)
				}
				rc.Close()
			} else {
				logger.Info("cache", "backend", "memory")
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. wechat.webhookPort)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. cache.maxTurns 80)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
