// =============================================================================
// 📦 TripSage 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Checkpoint:   DefaultCheckpointConfig(),
		Services:     DefaultServicesConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultOrchestratorConfig 返回默认编排器配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		TurnTimeout:        45 * time.Second,
		MaxConcurrentTurns: 64,
		MaxHopsPerTurn:     1,
		SessionLockMode:    "wait",
		Routing: RoutingConfig{
			ConfidenceThreshold: 0.35,
		},
		Handoff: HandoffConfig{
			LoopWindow:            3,
			ContextTokenThreshold: 6000,
			TokenizerModel:        "estimator",
			HistorySize:           32,
			HistorySessions:       1024,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:    2,
			EnableFallback: true,
			EnableSimplify: true,
		},
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Type:         "memory",
		BaseDir:      "./data/checkpoints",
		KeyPrefix:    "tripsage:checkpoint:",
		HistoryLimit: 20,
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Mongo: MongoConfig{
			Database:   "tripsage",
			Collection: "checkpoints",
			Timeout:    10 * time.Second,
		},
	}
}

// DefaultServiceConfig 返回单个搜索服务的默认配置
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Backend:  "static",
		Timeout:  10 * time.Second,
		CacheTTL: 0,
		Breaker: BreakerConfig{
			Enabled:             true,
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
	}
}

// DefaultServicesConfig 返回默认外部服务配置
func DefaultServicesConfig() ServicesConfig {
	backup := DefaultServiceConfig()
	backup.Backend = "disabled"
	return ServicesConfig{
		FlightSearch:              DefaultServiceConfig(),
		FlightSearchBackup:        backup,
		AccommodationSearch:       DefaultServiceConfig(),
		AccommodationSearchBackup: backup,
		DestinationSearch:         DefaultServiceConfig(),
		BudgetEstimator:           DefaultServiceConfig(),
		Preferences: PreferencesConfig{
			Backend:   "memory",
			KeyPrefix: "tripsage:prefs:",
		},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "tripsage",
		Password:        "",
		Name:            "tripsage",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "tripsage",
		SampleRate:   0.1,
	}
}
