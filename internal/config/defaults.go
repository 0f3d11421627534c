package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.oabot/workspace",
			LogLevel:  "info",
		},
		WeChat: WeChatConfig{
			WebhookPort: 8080,
			WebhookPath: "/wechat",
		},
		Provider: ProviderConfig{
			Model: "claude-sonnet-4-5-20250514",
		},
		Cache: CacheConfig{
			MaxTurns:        50,
			DialogueTTLDays: 7,
			ProfileTTLHours: 24,
		},
		Store: StoreConfig{
			DBPath: "~/.oabot/oabot.db",
		},
		Jobs: JobsConfig{
			Enabled:                true,
			PublishIntervalMinutes: 10,
			CollectIntervalMinutes: 60,
			ReportIntervalHours:    24,
			TrendingIntervalMins:   30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}
