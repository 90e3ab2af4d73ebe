package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	BrightData BrightDataConfig `yaml:"brightdata" mapstructure:"brightdata"`
	Reranker   RerankerConfig   `yaml:"reranker" mapstructure:"reranker"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Fit        FitConfig        `yaml:"fit" mapstructure:"fit"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Proxy      ProxyConfig      `yaml:"proxy" mapstructure:"proxy"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RedisConfig configures the job event broker.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// OpenAIConfig holds OpenAI API settings shared by scoring, embeddings, and
// batch labeling.
type OpenAIConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	ChatModel  string `yaml:"chat_model" mapstructure:"chat_model"`
	EmbedModel string `yaml:"embed_model" mapstructure:"embed_model"`
	BatchModel string `yaml:"batch_model" mapstructure:"batch_model"`
}

// BrightDataConfig holds vendor snapshot settings.
type BrightDataConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	DatasetID        string `yaml:"dataset_id" mapstructure:"dataset_id"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxURLs          int    `yaml:"max_urls" mapstructure:"max_urls"`
	MaxWorkers       int    `yaml:"max_workers" mapstructure:"max_workers"`
}

// RerankerConfig holds the external reranker settings.
type RerankerConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SearchConfig configures the search engine.
type SearchConfig struct {
	IndexPath    string `yaml:"index_path" mapstructure:"index_path"`
	DefaultLimit int    `yaml:"default_limit" mapstructure:"default_limit"`
}

// JobsConfig configures the job runtime and store.
type JobsConfig struct {
	DBPath         string `yaml:"db_path" mapstructure:"db_path"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ResultTTLSecs  int    `yaml:"result_ttl_secs" mapstructure:"result_ttl_secs"`
	MaxJobs        int    `yaml:"max_jobs" mapstructure:"max_jobs"`
	EventHistory   int    `yaml:"event_history" mapstructure:"event_history"`
	QueueWorkers   int    `yaml:"queue_workers" mapstructure:"queue_workers"`
	HeartbeatSecs  int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	SweepIntervalS int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// FitConfig configures LLM fit scoring.
type FitConfig struct {
	Model       string `yaml:"model" mapstructure:"model"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxPosts    int    `yaml:"max_posts" mapstructure:"max_posts"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// IngestConfig configures the batch ingestion pipeline.
type IngestConfig struct {
	WorkDir             string `yaml:"work_dir" mapstructure:"work_dir"`
	ChunkSize           int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	LanguageBatchSize   int    `yaml:"language_batch_size" mapstructure:"language_batch_size"`
	MinTextChars        int    `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	PollIntervalSecs    int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxAttempts         int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	CaptionSnippetChars int    `yaml:"caption_snippet_chars" mapstructure:"caption_snippet_chars"`
	CaptionsToInspect   int    `yaml:"captions_to_inspect" mapstructure:"captions_to_inspect"`
}

// ProxyConfig configures the image proxy.
type ProxyConfig struct {
	AllowedHosts []string `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`
}

// Validate checks the fields the given mode needs: "serve" for the API
// server, "ingest" for the batch labeling pipeline, "parquet" for the final
// merge.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Jobs.DBPath == "" {
			problems = append(problems, "jobs.db_path is required")
		}
		if c.Search.IndexPath == "" {
			problems = append(problems, "search.index_path is required")
		}
		if c.Jobs.QueueWorkers < 1 || c.Jobs.QueueWorkers > 50 {
			problems = append(problems, "jobs.queue_workers must be between 1 and 50")
		}
	case "ingest":
		if c.OpenAI.Key == "" {
			problems = append(problems, "openai.key is required")
		}
		if c.Ingest.WorkDir == "" {
			problems = append(problems, "ingest.work_dir is required")
		}
		if c.Ingest.ChunkSize < 1 {
			problems = append(problems, "ingest.chunk_size must be >= 1")
		}
	case "parquet":
		if c.Ingest.WorkDir == "" {
			problems = append(problems, "ingest.work_dir is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "discovery")
	v.SetDefault("openai.chat_model", "gpt-4o")
	v.SetDefault("openai.embed_model", "text-embedding-3-small")
	v.SetDefault("openai.batch_model", "gpt-4o-mini")
	v.SetDefault("brightdata.base_url", "https://api.brightdata.com/datasets/v3")
	v.SetDefault("brightdata.poll_interval_secs", 10)
	v.SetDefault("brightdata.max_urls", 50)
	v.SetDefault("brightdata.max_workers", 4)
	v.SetDefault("reranker.timeout_secs", 30)
	v.SetDefault("search.index_path", "data/profiles.db")
	v.SetDefault("search.default_limit", 25)
	v.SetDefault("jobs.db_path", "data/jobs.db")
	v.SetDefault("jobs.timeout_secs", 900)
	v.SetDefault("jobs.result_ttl_secs", 3600)
	v.SetDefault("jobs.max_jobs", 1000)
	v.SetDefault("jobs.event_history", 100)
	v.SetDefault("jobs.queue_workers", 2)
	v.SetDefault("jobs.heartbeat_secs", 15)
	v.SetDefault("jobs.sweep_interval_secs", 60)
	v.SetDefault("fit.model", "gpt-4o")
	v.SetDefault("fit.concurrency", 8)
	v.SetDefault("fit.max_posts", 5)
	v.SetDefault("fit.max_attempts", 5)
	v.SetDefault("ingest.work_dir", "data/ingest")
	v.SetDefault("ingest.chunk_size", 20000)
	v.SetDefault("ingest.language_batch_size", 1000)
	v.SetDefault("ingest.min_text_chars", 60)
	v.SetDefault("ingest.poll_interval_secs", 30)
	v.SetDefault("ingest.max_attempts", 120)
	v.SetDefault("ingest.caption_snippet_chars", 50)
	v.SetDefault("ingest.captions_to_inspect", 9)
	v.SetDefault("proxy.allowed_hosts", []string{
		"cdninstagram.com", "fna.fbcdn.net", "instagram.com", "tiktokcdn.com",
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
