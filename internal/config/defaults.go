package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:         "~/.sheetagent/data",
			LogLevel:        "info",
			LogFormat:       "text",
			DefaultProvider: "openai",
		},
		Agent: AgentConfig{
			MaxSteps:              5,
			HistoryTurns:          40,
			RequestTimeoutSeconds: 120,
			MaxTokens:             2048,
			RateLimitPerMinute:    60,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:        true,
				APIBase:        "https://api.openai.com/v1",
				DefaultModel:   "gpt-4o-mini",
				TimeoutSeconds: 60,
				MaxRetries:     2,
			},
		},
		Server: ServerConfig{
			Host:                  "127.0.0.1",
			Port:                  8080,
			MaxConcurrentRequests: 10,
			MaxUploadMB:           20,
			PreviewRows:           10,
		},
		Storage: StorageConfig{
			DBPath:                 "~/.sheetagent/sheetagent.db",
			SessionTTLHours:        24,
			JanitorIntervalMinutes: 10,
		},
		Security: SecurityConfig{
			AuditLog:          true,
			AllowedExtensions: defaultExtensions(),
			BlockedNames:      defaultBlockedNames(),
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

func defaultExtensions() []string {
	return []string{".xlsx", ".xlsm", ".xltx", ".xltm"}
}

func defaultBlockedNames() []string {
	return []string{
		"..",
		"~$", // Excel lock files
	}
}
