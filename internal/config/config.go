package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredential is returned when the credential key pair is not configured.
var ErrMissingCredential = errors.New("credential access key id and secret must be configured")

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases    map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis        RedisConfig               `json:"redis" yaml:"redis"`
	Credential   CredentialConfig          `json:"credential" yaml:"credential"`
	Ingestion    IngestionConfig           `json:"ingestion" yaml:"ingestion"`
	Conversation ConversationConfig        `json:"conversation" yaml:"conversation"`
	LLMProvider  string                    `json:"llm_provider" yaml:"llm_provider"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Speech       SpeechConfig              `json:"speech" yaml:"speech"`
	Knowledge    KnowledgeConfig           `json:"knowledge" yaml:"knowledge"`
	Kafka        KafkaConfig               `json:"kafka" yaml:"kafka"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	UploadDir     string `json:"upload_dir" yaml:"upload_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	// AdminKey is the bearer key for /api/admin routes; empty disables them.
	AdminKey string `json:"admin_key" yaml:"admin_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// KnowledgeTTL is the knowledge search cache lifetime in minutes.
	KnowledgeTTL int `json:"knowledge_ttl" yaml:"knowledge_ttl"`
}

// CredentialConfig drives the rotating access token used by the speech services.
type CredentialConfig struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret" yaml:"access_key_secret"`
	AdvanceWindow   int    `json:"advance_window" yaml:"advance_window"`     // minutes
	RefreshInterval int    `json:"refresh_interval" yaml:"refresh_interval"` // hours
	InitialDelay    int    `json:"initial_delay" yaml:"initial_delay"`       // minutes
}

type IngestionConfig struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	CategoryID  string `json:"category_id" yaml:"category_id"`
	IndexID     string `json:"index_id" yaml:"index_id"`
	Workers     int    `json:"workers" yaml:"workers"`
	QueueSize   int    `json:"queue_size" yaml:"queue_size"`
	CallTimeout int    `json:"call_timeout" yaml:"call_timeout"` // seconds
	// MonitorInterval is how often INDEXING jobs are polled, in minutes.
	MonitorInterval int `json:"monitor_interval" yaml:"monitor_interval"`
	// StaleJobTTL marks UPLOADING jobs older than this many minutes as failed.
	StaleJobTTL int `json:"stale_job_ttl" yaml:"stale_job_ttl"`
}

type ConversationConfig struct {
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	TurnTimeout       int    `json:"turn_timeout" yaml:"turn_timeout"`               // seconds
	HistoryLimit      int    `json:"history_limit" yaml:"history_limit"`
	FallbackReply     string `json:"fallback_reply" yaml:"fallback_reply"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type SpeechConfig struct {
	AppKey     string `json:"app_key" yaml:"app_key"`
	ASRURL     string `json:"asr_url" yaml:"asr_url"`
	TTSURL     string `json:"tts_url" yaml:"tts_url"`
	Format     string `json:"format" yaml:"format"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`
	Voice      string `json:"voice" yaml:"voice"`
	Timeout    int    `json:"timeout" yaml:"timeout"` // seconds
}

type KnowledgeConfig struct {
	SearchURL string `json:"search_url" yaml:"search_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	TopK      int    `json:"top_k" yaml:"top_k"`
	Timeout   int    `json:"timeout" yaml:"timeout"` // seconds
}

type KafkaConfig struct {
	Brokers     []string `json:"brokers" yaml:"brokers"`
	StatusTopic string   `json:"status_topic" yaml:"status_topic"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := cfg.BasicConfig.UploadDir; dir != "" && !filepath.IsAbs(dir) {
		cfg.BasicConfig.UploadDir = filepath.Join(filepath.Dir(absPath), dir)
	}
	return &cfg, nil
}

// Validate reports configuration that prevents the process from becoming ready.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Credential.AccessKeyID) == "" || strings.TrimSpace(c.Credential.AccessKeySecret) == "" {
		return ErrMissingCredential
	}
	if strings.TrimSpace(c.Credential.Endpoint) == "" {
		return errors.New("credential endpoint must be configured")
	}
	return nil
}

func (c CredentialConfig) AdvanceWindowDuration() time.Duration {
	if c.AdvanceWindow <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.AdvanceWindow) * time.Minute
}

func (c CredentialConfig) RefreshIntervalDuration() time.Duration {
	if c.RefreshInterval <= 0 {
		return 20 * time.Hour
	}
	return time.Duration(c.RefreshInterval) * time.Hour
}

func (c CredentialConfig) InitialDelayDuration() time.Duration {
	if c.InitialDelay <= 0 {
		return time.Hour
	}
	return time.Duration(c.InitialDelay) * time.Minute
}

func (c IngestionConfig) CallTimeoutDuration() time.Duration {
	if c.CallTimeout <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.CallTimeout) * time.Second
}

func (c IngestionConfig) MonitorIntervalDuration() time.Duration {
	if c.MonitorInterval <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.MonitorInterval) * time.Minute
}

func (c IngestionConfig) StaleJobTTLDuration() time.Duration {
	if c.StaleJobTTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.StaleJobTTL) * time.Minute
}

func (c ConversationConfig) WorkerIdleDuration() time.Duration {
	return time.Duration(c.WorkerIdleTimeout) * time.Minute
}

func (c ConversationConfig) TurnTimeoutDuration() time.Duration {
	if c.TurnTimeout <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.TurnTimeout) * time.Second
}

func (c SpeechConfig) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

func (c KnowledgeConfig) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

func (c RedisConfig) KnowledgeTTLDuration() time.Duration {
	if c.KnowledgeTTL <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.KnowledgeTTL) * time.Minute
}
