// =============================================================================
// 📦 chatforge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CHATFORGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 chatforge 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 缓存配置（会话注册表的后端）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（会话/对话/工作流持久化）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// LLM 生成服务配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Session 会话编排配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Conversation 后端对话配置
	Conversation ConversationConfig `yaml:"conversation" env:"CONVERSATION"`

	// Lease 并发准入配置
	Lease LeaseConfig `yaml:"lease" env:"LEASE"`

	// Registry 后端会话注册表配置
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Processes 文档流程目录（流程短名 → 提示词与生成参数）
	Processes []ProcessConfig `yaml:"processes"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// HTTP 端口（WebSocket 会话端点 + 健康检查）
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口（Prometheus /metrics）
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: sqlite, postgres, memory
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
}

// LLMConfig 生成服务配置
type LLMConfig struct {
	// OpenAI 兼容端点地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API 密钥（本地端点可留空）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SessionConfig 会话编排配置
type SessionConfig struct {
	// 重复消息去重窗口（相同文本在窗口内只落一条）
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	// 组合消息推送最小间隔
	PushInterval time.Duration `yaml:"push_interval" env:"PUSH_INTERVAL"`
	// 超过该字符增量时绕过推送间隔限制
	PushDeltaChars int `yaml:"push_delta_chars" env:"PUSH_DELTA_CHARS"`
	// 聚合状态清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 聚合状态最大存活时间
	AggregationMaxAge time.Duration `yaml:"aggregation_max_age" env:"AGGREGATION_MAX_AGE"`
	// 同步（工具调用）模式轮询间隔
	ToolPollInterval time.Duration `yaml:"tool_poll_interval" env:"TOOL_POLL_INTERVAL"`
	// 同步模式默认超时
	ToolTimeout time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	// 意图检索阈值序列（由紧到松）
	IntentThresholds []float64 `yaml:"intent_thresholds"`
	// 候选流程最低相关度
	MinRelevance float64 `yaml:"min_relevance" env:"MIN_RELEVANCE"`
	// 是否强制相关度阈值（关闭时唯一候选直接通过）
	EnforceRelevance bool `yaml:"enforce_relevance" env:"ENFORCE_RELEVANCE"`
	// 意图检索全部失败时回退的流程数
	FallbackProcesses int `yaml:"fallback_processes" env:"FALLBACK_PROCESSES"`
}

// ConversationConfig 后端对话配置
type ConversationConfig struct {
	// 摘要最少覆盖的消息数
	SummaryMinMessages int `yaml:"summary_min_messages" env:"SUMMARY_MIN_MESSAGES"`
	// 触发摘要的消息总数下限（count > N 且 count % Modulo == 0）
	SummaryTriggerCount int `yaml:"summary_trigger_count" env:"SUMMARY_TRIGGER_COUNT"`
	// 摘要周期
	SummaryModulo int `yaml:"summary_modulo" env:"SUMMARY_MODULO"`
	// 流式回复缓冲刷新阈值（字符）
	FlushThreshold int `yaml:"flush_threshold" env:"FLUSH_THRESHOLD"`
	// 检索上下文候选段落数
	ContextPassages int `yaml:"context_passages" env:"CONTEXT_PASSAGES"`
	// 检索上下文 Token 预算
	ContextTokenBudget int `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
}

// LeaseConfig 并发准入配置
type LeaseConfig struct {
	// 每类别最大并发租约数
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 最大持有时长
	MaxHold time.Duration `yaml:"max_hold" env:"MAX_HOLD"`
}

// RegistryConfig 后端会话注册表配置
type RegistryConfig struct {
	// 滑动 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// ProcessConfig 单个文档流程的目录条目
type ProcessConfig struct {
	// 流程短名
	Name string `yaml:"name"`
	// 流程描述（用于意图检索索引）
	Description string `yaml:"description"`
	// 系统提示词
	SystemPrompt string `yaml:"system_prompt"`
	// 温度参数
	Temperature float64 `yaml:"temperature"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens"`
	// 引用倾向调节（0~1，越高越偏向引用原文）
	CitationBias float64 `yaml:"citation_bias"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CHATFORGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be in 1..65535")
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "server.metrics_port must be in 1..65535")
	}
	if c.Session.PushInterval <= 0 {
		errs = append(errs, "session.push_interval must be positive")
	}
	if c.Session.ToolPollInterval <= 0 {
		errs = append(errs, "session.tool_poll_interval must be positive")
	}
	if c.Lease.MaxConcurrent <= 0 {
		errs = append(errs, "lease.max_concurrent must be positive")
	}
	if c.Conversation.FlushThreshold <= 0 {
		errs = append(errs, "conversation.flush_threshold must be positive")
	}
	for i, p := range c.Processes {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("processes[%d].name is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
