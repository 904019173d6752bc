package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the fiscus services.
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Investigation InvestigationConfig `mapstructure:"investigation"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Detect        DetectConfig        `mapstructure:"detect"`
	Sources       SourcesConfig       `mapstructure:"sources"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	JWTSecret string   `mapstructure:"jwt_secret"`
	CORS      []string `mapstructure:"cors"`
}

func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// QueueConfig contains Redis Streams settings for async investigation runs.
type QueueConfig struct {
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

func (q QueueConfig) Validate() error {
	if strings.TrimSpace(q.Stream) == "" {
		return fmt.Errorf("queue.stream required")
	}
	if strings.TrimSpace(q.Group) == "" {
		return fmt.Errorf("queue.group required")
	}
	return nil
}

// InvestigationConfig tunes the orchestration core: classification and
// aggregate-confidence thresholds, reflection bounds and persistence retries.
type InvestigationConfig struct {
	IntentThreshold     float64       `mapstructure:"intent_threshold"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	ConfidencePolicy    string        `mapstructure:"confidence_policy"`
	MaxReflections      int           `mapstructure:"max_reflections"`
	PersistRetries      int           `mapstructure:"persist_retries"`
	PersistBackoff      time.Duration `mapstructure:"persist_backoff"`
}

// Normalize applies defaults for unset investigation values.
func (c InvestigationConfig) Normalize() InvestigationConfig {
	if c.IntentThreshold <= 0 {
		c.IntentThreshold = 0.55
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if strings.TrimSpace(c.ConfidencePolicy) == "" {
		c.ConfidencePolicy = "weighted_mean"
	}
	if c.MaxReflections < 0 {
		c.MaxReflections = 0
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 500 * time.Millisecond
	}
	return c
}

func (c InvestigationConfig) Validate() error {
	if c.IntentThreshold < 0 || c.IntentThreshold > 1 {
		return fmt.Errorf("investigation.intent_threshold must be in [0,1]")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("investigation.confidence_threshold must be in [0,1]")
	}
	switch c.ConfidencePolicy {
	case "weighted_mean", "mean", "max":
	default:
		return fmt.Errorf("investigation.confidence_policy must be one of weighted_mean, mean, max")
	}
	return nil
}

// WorkersConfig bounds the shared detection-worker pool.
type WorkersConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	StageSlack    time.Duration `mapstructure:"stage_slack"`
}

// Normalize applies defaults for unset worker-pool values.
func (c WorkersConfig) Normalize() WorkersConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 20 * time.Second
	}
	if c.StageSlack <= 0 {
		c.StageSlack = 5 * time.Second
	}
	return c
}

// MemoryConfig controls episodic/semantic memory behaviour.
type MemoryConfig struct {
	Episodic EpisodicMemoryConfig `mapstructure:"episodic"`
	Semantic SemanticMemoryConfig `mapstructure:"semantic"`
}

// EpisodicMemoryConfig defines retention for per-investigation traces.
type EpisodicMemoryConfig struct {
	Backend string        `mapstructure:"backend"` // inmem or redis
	TTL     time.Duration `mapstructure:"ttl"`
}

func (e EpisodicMemoryConfig) Validate() error {
	switch e.Backend {
	case "", "inmem", "redis":
	default:
		return fmt.Errorf("memory.episodic.backend must be inmem or redis")
	}
	return nil
}

// SemanticMemoryConfig defines capacity and search behaviour for
// cross-investigation context.
type SemanticMemoryConfig struct {
	Capacity   int `mapstructure:"capacity"`
	SearchTopK int `mapstructure:"search_top_k"`
}

// Normalize applies defaults for unset semantic memory values.
func (s SemanticMemoryConfig) Normalize() SemanticMemoryConfig {
	if s.Capacity <= 0 {
		s.Capacity = 512
	}
	if s.SearchTopK <= 0 {
		s.SearchTopK = 5
	}
	return s
}

// DetectConfig tunes individual detection workers.
type DetectConfig struct {
	Anomaly AnomalyConfig `mapstructure:"anomaly"`
}

// AnomalyConfig controls the baseline-deviation worker.
type AnomalyConfig struct {
	SpreadMultiple float64 `mapstructure:"spread_multiple"`
	Robust         bool    `mapstructure:"robust"`
}

// SourcesConfig selects and configures spending-data providers.
type SourcesConfig struct {
	Provider     string             `mapstructure:"provider"` // static, transparency or portal
	Transparency TransparencyConfig `mapstructure:"transparency"`
	Portal       PortalConfig       `mapstructure:"portal"`
	Static       StaticSourceConfig `mapstructure:"static"`
	Policy       SourcePolicyConfig `mapstructure:"policy"`
}

// SourcePolicyConfig governs which portal hosts fiscus may contact when
// rendering procurement notices. File points at an optional YAML overlay
// maintained by operators outside the main config.
type SourcePolicyConfig struct {
	File          string            `mapstructure:"file"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Allow         []string          `mapstructure:"allow"`
	Disallow      []string          `mapstructure:"disallow"`
	Attribution   map[string]string `mapstructure:"attribution"`
}

func (s SourcesConfig) Validate() error {
	switch s.Provider {
	case "", "static", "transparency", "portal":
	default:
		return fmt.Errorf("sources.provider must be one of static, transparency, portal")
	}
	if s.Provider == "transparency" && strings.TrimSpace(s.Transparency.BaseURL) == "" {
		return fmt.Errorf("sources.transparency.base_url required")
	}
	return nil
}

// TransparencyConfig points at a government open-spending HTTP API.
type TransparencyConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRecords int           `mapstructure:"max_records"`
}

// PortalConfig configures the headless-browser portal adapter used for
// transparency portals without a JSON API.
type PortalConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StaticSourceConfig points at a local fixture file of spending records.
type StaticSourceConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig controls the watchlist re-investigation loop.
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Mode        string        `mapstructure:"mode"` // always, adaptive or manual
	MinInterval time.Duration `mapstructure:"min_interval"`
}

func (s SchedulerConfig) Validate() error {
	switch s.Mode {
	case "", "always", "adaptive", "manual":
	default:
		return fmt.Errorf("scheduler.mode must be one of always, adaptive, manual")
	}
	return nil
}

// TelemetryConfig contains tracing and metrics settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// LoadConfig loads config from file, env (FISCUS_*) and defaults.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 10010)
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.user", "fiscus")
	viper.SetDefault("storage.postgres.dbname", "fiscus")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("queue.stream", "investigation.enqueued")
	viper.SetDefault("queue.group", "fiscus-workers")
	viper.SetDefault("investigation.intent_threshold", 0.55)
	viper.SetDefault("investigation.confidence_threshold", 0.6)
	viper.SetDefault("investigation.confidence_policy", "weighted_mean")
	viper.SetDefault("investigation.max_reflections", 2)
	viper.SetDefault("investigation.persist_retries", 3)
	viper.SetDefault("investigation.persist_backoff", "500ms")
	viper.SetDefault("workers.max_concurrent", 8)
	viper.SetDefault("workers.task_timeout", "20s")
	viper.SetDefault("workers.stage_slack", "5s")
	viper.SetDefault("memory.episodic.backend", "inmem")
	viper.SetDefault("memory.episodic.ttl", "24h")
	viper.SetDefault("memory.semantic.capacity", 512)
	viper.SetDefault("memory.semantic.search_top_k", 5)
	viper.SetDefault("detect.anomaly.spread_multiple", 3.0)
	viper.SetDefault("sources.provider", "static")
	viper.SetDefault("sources.transparency.timeout", "15s")
	viper.SetDefault("sources.transparency.max_records", 500)
	viper.SetDefault("sources.portal.timeout", "25s")
	viper.SetDefault("sources.policy.respect_robots", true)
	viper.SetDefault("scheduler.interval", "1h")
	viper.SetDefault("scheduler.mode", "adaptive")
	viper.SetDefault("scheduler.min_interval", "30m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FISCUS")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only deployments (worker containers) run without a config file
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.Investigation = config.Investigation.Normalize()
	config.Workers = config.Workers.Normalize()
	config.Memory.Semantic = config.Memory.Semantic.Normalize()

	if err := config.Investigation.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Queue.Validate(); err != nil {
		panic(err)
	}
	if err := config.Memory.Episodic.Validate(); err != nil {
		panic(err)
	}
	if err := config.Sources.Validate(); err != nil {
		panic(err)
	}
	if err := config.Scheduler.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
