package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:     "~/.relaybot/workspace",
			LogLevel:      "info",
			LoopBudget:    8,
			BusyPolicy:    "queue",
			MaxParallel:   5,
			RatePerMinute: 30,
		},
		Backend: BackendConfig{
			Provider:       "ollama",
			APIBase:        "http://localhost:11434",
			Model:          "llama3.1:8b",
			TimeoutSeconds: 120,
		},
		Security: SecurityConfig{
			Root:              "~/.relaybot/workspace",
			AllowedExtensions: defaultAllowedExtensions(),
			MaxFileBytes:      10 << 20,
			AuditLog:          true,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
			SearchEndpoint: "https://api.duckduckgo.com/",
		},
		Memory: MemoryConfig{
			Driver: "sqlite",
			DBPath: "~/.relaybot/threads.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
		Channels: ChannelsConfig{
			Concurrency: 4,
			Pairing:     PairingConfig{Required: true, TTLDays: 30},
			API: APIChannelConfig{
				Listen:              "127.0.0.1:8080",
				ReplyTimeoutSeconds: 120,
			},
			WebSocket: WebSocketChannelConfig{
				Listen: "127.0.0.1:8081",
				Path:   "/ws",
			},
			Telegram: TelegramChannelConfig{ParseMode: "Markdown"},
		},
	}
}

func defaultAllowedExtensions() []string {
	return []string{".txt", ".py", ".md", ".json", ".yaml", ".yml"}
}
