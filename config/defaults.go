// =============================================================================
// 📦 chatforge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		LLM:          DefaultLLMConfig(),
		Session:      DefaultSessionConfig(),
		Conversation: DefaultConversationConfig(),
		Lease:        DefaultLeaseConfig(),
		Registry:     DefaultRegistryConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认 HTTP 服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
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
		Driver:       "sqlite",
		Name:         "./data/chatforge.db",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

// DefaultLLMConfig 返回默认生成服务配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:     "https://api.openai.com",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   4096,
		Timeout:     2 * time.Minute,
	}
}

// DefaultSessionConfig 返回默认会话编排配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DedupWindow:       5 * time.Second,
		PushInterval:      400 * time.Millisecond,
		PushDeltaChars:    120,
		SweepInterval:     5 * time.Minute,
		AggregationMaxAge: 2 * time.Hour,
		ToolPollInterval:  100 * time.Millisecond,
		ToolTimeout:       60 * time.Second,
		IntentThresholds:  []float64{0.6, 0.45, 0.3, 0.2},
		MinRelevance:      0.3,
		EnforceRelevance:  true,
		FallbackProcesses: 2,
	}
}

// DefaultConversationConfig 返回默认后端对话配置
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		SummaryMinMessages:  5,
		SummaryTriggerCount: 10,
		SummaryModulo:       5,
		FlushThreshold:      20,
		ContextPassages:     5,
		ContextTokenBudget:  3000,
	}
}

// DefaultLeaseConfig 返回默认并发准入配置
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		MaxConcurrent: 8,
		IdleTimeout:   10 * time.Minute,
		MaxHold:       30 * time.Minute,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:       30 * time.Minute,
		KeyPrefix: "chatforge:",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "chatforge",
		SampleRate:   0.1,
	}
}
