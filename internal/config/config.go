package config

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Memory     MemoryConfig     `yaml:"memory"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	Speech     SpeechConfig     `yaml:"speech"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host           string        `yaml:"host" env:"ANYA_HOST"`
	Port           int           `yaml:"port" env:"ANYA_PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	TurnQueueSize  int           `yaml:"turn_queue_size"`
}

type MemoryConfig struct {
	Dir          string `yaml:"dir" env:"ANYA_MEMORY_DIR"`
	IndexFile    string `yaml:"index_file"`
	MetadataFile string `yaml:"metadata_file"`
	Dimensions   int    `yaml:"dimensions"`
	MaxElements  int    `yaml:"max_elements"`
}

type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "hash"
	Provider  string `yaml:"provider" env:"ANYA_EMBEDDING_PROVIDER"`
	BaseURL   string `yaml:"base_url" env:"ANYA_EMBEDDING_BASE_URL"`
	APIKey    string `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model     string `yaml:"model"`
	CacheSize int64  `yaml:"cache_size"`
}

type LLMConfig struct {
	// Provider is "openai" (Groq, OpenAI, ...) or "anthropic"
	Provider     string `yaml:"provider" env:"ANYA_LLM_PROVIDER"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key" env:"GROQ_API_KEY"`
	AnthropicKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	Model        string `yaml:"model"`
	// AnthropicModel is used instead of Model when Provider is "anthropic"
	AnthropicModel string  `yaml:"anthropic_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

type SpeechConfig struct {
	Transcription TranscriptionConfig `yaml:"transcription"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
}

type TranscriptionConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key" env:"GROQ_API_KEY"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type SynthesisConfig struct {
	// Provider is "openai" or "http" (GPT-SoVITS style /tts endpoint)
	Provider  string        `yaml:"provider" env:"ANYA_TTS_PROVIDER"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model     string        `yaml:"model"`
	Voice     string        `yaml:"voice"`
	Language  string        `yaml:"language"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int64         `yaml:"cache_size"`
	// Launch optionally starts a local synthesis server with the process
	Launch LaunchConfig `yaml:"launch"`
}

type LaunchConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Dir            string        `yaml:"dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

type PipelineConfig struct {
	MinAudioBytes      int           `yaml:"min_audio_bytes"`
	TopK               int           `yaml:"top_k"`
	MaxMemories        int           `yaml:"max_memories"`
	RelevanceThreshold float64       `yaml:"relevance_threshold"`
	PageContextLimit   int           `yaml:"page_context_limit"`
	PromptContextLimit int           `yaml:"prompt_context_limit"`
	HistoryLimit       int           `yaml:"history_limit"`
	PromptHistory      int           `yaml:"prompt_history"`
	StageTimeout       time.Duration `yaml:"stage_timeout"`
	PersonaFile        string        `yaml:"persona_file"`
}

type TranscriptConfig struct {
	Dir string `yaml:"dir" env:"ANYA_TRANSCRIPT_DIR"`
}

type StorageConfig struct {
	Redis RedisConfig `yaml:"redis"`
	MySQL MySQLConfig `yaml:"mysql"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ANYA_REDIS_ENABLED"`
	Addr      string        `yaml:"addr" env:"ANYA_REDIS_ADDR"`
	Password  string        `yaml:"password" env:"ANYA_REDIS_PASSWORD"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	MaxLength int64         `yaml:"max_length"`
	TTL       time.Duration `yaml:"ttl"`
}

type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ANYA_MYSQL_ENABLED"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password" env:"ANYA_MYSQL_PASSWORD"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"ANYA_LOG_LEVEL"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxMessageSize: 10 << 20,
			TurnQueueSize:  4,
		},
		Memory: MemoryConfig{
			Dir:          "./data",
			IndexFile:    "conversation_index.bin",
			MetadataFile: "conversation_metadata.json",
			Dimensions:   384,
			MaxElements:  100000,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			CacheSize: 10000,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "llama-3.3-70b-versatile",
			AnthropicModel: "claude-3-5-haiku-latest",
			MaxTokens:      150,
			Temperature:    0.7,
		},
		Speech: SpeechConfig{
			Transcription: TranscriptionConfig{
				BaseURL:  "https://api.groq.com/openai/v1",
				Model:    "whisper-large-v3",
				Language: "en",
			},
			Synthesis: SynthesisConfig{
				Provider:  "openai",
				BaseURL:   "https://api.openai.com/v1",
				Model:     "tts-1",
				Voice:     "nova",
				Language:  "en",
				Timeout:   60 * time.Second,
				CacheSize: 256,
				Launch: LaunchConfig{
					StartupTimeout: 60 * time.Second,
				},
			},
		},
		Pipeline: PipelineConfig{
			MinAudioBytes:      1000,
			TopK:               5,
			MaxMemories:        3,
			RelevanceThreshold: 0.3,
			PageContextLimit:   8000,
			PromptContextLimit: 2000,
			HistoryLimit:       12,
			PromptHistory:      6,
			StageTimeout:       30 * time.Second,
		},
		Transcript: TranscriptConfig{
			Dir: "./conversation_logs",
		},
		Storage: StorageConfig{
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				MaxLength: 1000,
				TTL:       24 * time.Hour,
			},
			MySQL: MySQLConfig{
				Host:            "localhost",
				Port:            3306,
				Database:        "anya",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
// Values from .env and the process environment override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env is optional
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, goerr.Wrap(err, "failed to parse config", goerr.V("path", path))
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the server cannot run with
func (c *Config) Validate() error {
	if c.Memory.Dimensions <= 0 {
		return goerr.New("memory.dimensions must be positive", goerr.V("dimensions", c.Memory.Dimensions))
	}
	if c.Memory.MaxElements <= 0 {
		return goerr.New("memory.max_elements must be positive", goerr.V("max_elements", c.Memory.MaxElements))
	}
	if c.Pipeline.RelevanceThreshold < -1 || c.Pipeline.RelevanceThreshold > 1 {
		return goerr.New("pipeline.relevance_threshold must be within [-1, 1]",
			goerr.V("relevance_threshold", c.Pipeline.RelevanceThreshold))
	}
	if c.Pipeline.HistoryLimit <= 0 || c.Pipeline.PageContextLimit <= 0 {
		return goerr.New("pipeline history and page context limits must be positive")
	}
	if c.Server.TurnQueueSize <= 0 {
		return goerr.New("server.turn_queue_size must be positive", goerr.V("turn_queue_size", c.Server.TurnQueueSize))
	}
	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return goerr.New("unknown embedding provider", goerr.V("provider", c.Embedding.Provider))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return goerr.New("unknown llm provider", goerr.V("provider", c.LLM.Provider))
	}
	switch c.Speech.Synthesis.Provider {
	case "openai", "http":
	default:
		return goerr.New("unknown synthesis provider", goerr.V("provider", c.Speech.Synthesis.Provider))
	}
	return nil
}
