package config

import "time"

// DefaultConfig returns the configuration the engine runs with when
// nothing else is provided.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Memory:    DefaultMemoryConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default process surfaces.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDatabaseConfig defaults to an embedded sqlite file so the
// engine runs with zero external services.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "memflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default session-store settings. Addr
// is empty: sessions stay in process unless redis is configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultMemoryConfig returns the default engine tuning.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Actor:         "memflow",
		SyncQueueSize: 256,
		Provider: ProviderConfig{
			EmbedRPS:   0,
			EmbedBurst: 32,
		},
		Search: SearchConfig{
			VectorWeight:  0.6,
			KeywordWeight: 0.4,
			MinScore:      0.3,
			Limit:         20,
		},
		Dedup: DedupConfig{
			Threshold:   0.85,
			Concurrency: 4,
			ScanLimit:   1000,
		},
		Archive: ArchiveConfig{
			Encoding:       "cl100k_base",
			MinTokenBudget: 32,
			ScanLimit:      500,
		},
		Router: RouterConfig{
			MaxMemories: 10,
		},
		Decay: DecayConfig{
			Interval:       24 * time.Hour,
			StopGrace:      30 * time.Second,
			PageSize:       500,
			PurgeRetention: 30 * 24 * time.Hour,
		},
		Session: SessionConfig{
			MaxEntries: 50,
			TTL:        30 * time.Minute,
			KeyPrefix:  "memflow:session",
		},
	}
}

// DefaultLogConfig returns the default zap profile.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns tracing defaults, disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "memflow",
		SampleRate:   0.1,
	}
}
