// =============================================================================
// 📦 TripSage 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("TRIPSAGE").
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

// Config 是 TripSage 编排服务的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Orchestrator 编排器配置（路由、交接、恢复、并发）
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Checkpoint 检查点存储配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Services 外部旅行服务配置
	Services ServicesConfig `yaml:"services" env:"SERVICES"`

	// Redis 缓存 / 检查点 / 偏好存储
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database SQL 检查点存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT" validate:"min=1,max=65535"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT" validate:"min=0,max=65535"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许的来源，为空表示不开启跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每 IP 每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 列表，为空表示不校验
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过 ?api_key= 传递（WebSocket 客户端无法设置请求头）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// JWT 认证
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 认证配置，Secret 与 PublicKey 都为空时不启用
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 是否启用 JWT
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 单轮超时，超时后本轮被取消
	TurnTimeout time.Duration `yaml:"turn_timeout" env:"TURN_TIMEOUT"`
	// 全局并发轮次上限
	MaxConcurrentTurns int64 `yaml:"max_concurrent_turns" env:"MAX_CONCURRENT_TURNS" validate:"min=1"`
	// 单轮内允许的附加交接次数
	MaxHopsPerTurn int `yaml:"max_hops_per_turn" env:"MAX_HOPS_PER_TURN" validate:"min=0,max=5"`
	// 同一会话并发请求处理方式: wait, reject
	SessionLockMode string `yaml:"session_lock_mode" env:"SESSION_LOCK_MODE" validate:"oneof=wait reject"`
	// 路由
	Routing RoutingConfig `yaml:"routing" env:"ROUTING"`
	// 交接
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`
	// 错误恢复
	Recovery RecoveryConfig `yaml:"recovery" env:"RECOVERY"`
}

// RoutingConfig 路由配置
type RoutingConfig struct {
	// 置信度阈值，低于阈值回退到 general_agent
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD" validate:"gte=0,lte=1"`
}

// HandoffConfig 交接协调器配置
type HandoffConfig struct {
	// 循环检测窗口（最近 N 条 agent_history）
	LoopWindow int `yaml:"loop_window" env:"LOOP_WINDOW" validate:"min=1"`
	// 上下文 token 阈值，0 表示关闭
	ContextTokenThreshold int `yaml:"context_token_threshold" env:"CONTEXT_TOKEN_THRESHOLD" validate:"min=0"`
	// 分词模型，estimator 表示使用估算器
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 每会话保留的交接决策数
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE" validate:"min=1"`
	// 交接审计最多保留的会话数
	HistorySessions int `yaml:"history_sessions" env:"HISTORY_SESSIONS" validate:"min=1"`
}

// RecoveryConfig 错误恢复配置
type RecoveryConfig struct {
	// 同一智能体最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"min=1"`
	// 是否启用备用智能体
	EnableFallback bool `yaml:"enable_fallback" env:"ENABLE_FALLBACK"`
	// 是否启用简化重试
	EnableSimplify bool `yaml:"enable_simplify" env:"ENABLE_SIMPLIFY"`
}

// CheckpointConfig 检查点存储配置
type CheckpointConfig struct {
	// 类型: memory, file, redis, sql, mongo
	Type string `yaml:"type" env:"TYPE" validate:"oneof=memory file redis sql mongo"`
	// 文件存储目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 检查点过期时间，0 表示不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 每会话保留的历史版本数
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT" validate:"min=0"`
	// 读写重试
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// MongoDB
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"min=0"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI        string        `yaml:"uri" env:"URI"`
	Database   string        `yaml:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ServicesConfig 外部服务配置，每个逻辑服务一项
type ServicesConfig struct {
	FlightSearch              ServiceConfig     `yaml:"flight_search" env:"FLIGHT_SEARCH"`
	FlightSearchBackup        ServiceConfig     `yaml:"flight_search_backup" env:"FLIGHT_SEARCH_BACKUP"`
	AccommodationSearch       ServiceConfig     `yaml:"accommodation_search" env:"ACCOMMODATION_SEARCH"`
	AccommodationSearchBackup ServiceConfig     `yaml:"accommodation_search_backup" env:"ACCOMMODATION_SEARCH_BACKUP"`
	DestinationSearch         ServiceConfig     `yaml:"destination_search" env:"DESTINATION_SEARCH"`
	BudgetEstimator           ServiceConfig     `yaml:"budget_estimator" env:"BUDGET_ESTIMATOR"`
	Preferences               PreferencesConfig `yaml:"preferences" env:"PREFERENCES"`
}

// ServiceConfig 单个搜索服务配置
type ServiceConfig struct {
	// 后端: static, http, disabled
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=static http disabled"`
	// http 后端地址
	URL string `yaml:"url" env:"URL"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 结果缓存时间，0 表示不缓存
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 熔断器
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 半开状态允许的请求数
	MaxRequests uint32 `yaml:"max_requests" env:"MAX_REQUESTS"`
	// 闭合状态计数清零周期
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 打开状态持续时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 连续失败多少次后打开
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" env:"CONSECUTIVE_FAILURES"`
}

// PreferencesConfig 用户偏好服务配置
type PreferencesConfig struct {
	// 后端: memory, redis
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=memory redis"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
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
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=postgres mysql sqlite"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
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
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=0,lte=1"`
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
		envPrefix:  "TRIPSAGE",
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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

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
		// 逗号分隔的字符串切片
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

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
