package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the evidence engine.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
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

// DSN assembles a connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the embedding cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// InstrumentsConfig describes the external instruments the engine may call.
type InstrumentsConfig struct {
	Generative InstrumentConfig `mapstructure:"generative"`
	Embedding  InstrumentConfig `mapstructure:"embedding"`
	Rerank     InstrumentConfig `mapstructure:"rerank"`
	MaxRetries int              `mapstructure:"max_retries"`
	Backoff    time.Duration    `mapstructure:"backoff"`
}

// InstrumentConfig is the HTTP contract for one external instrument.
type InstrumentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Instrument call timeouts are clamped into this range so a hung
// instrument cannot stall a run indefinitely.
const (
	MinInstrumentTimeout = 2 * time.Second
	MaxInstrumentTimeout = 120 * time.Second
)

// EffectiveTimeout returns the configured timeout clamped to the sane range.
func (i InstrumentConfig) EffectiveTimeout() time.Duration {
	t := i.Timeout
	if t < MinInstrumentTimeout {
		return MinInstrumentTimeout
	}
	if t > MaxInstrumentTimeout {
		return MaxInstrumentTimeout
	}
	return t
}

// RetrievalConfig contains hybrid search defaults and clamps.
type RetrievalConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
	RRFK         int `mapstructure:"rrf_k"`
	RerankTopN   int `mapstructure:"rerank_top_n"`
}

// PipelineConfig controls run execution.
type PipelineConfig struct {
	MaxCurationWorkers int           `mapstructure:"max_curation_workers"`
	RunBudget          time.Duration `mapstructure:"run_budget"`
	EvidencePerIssue   int           `mapstructure:"evidence_per_issue"`
}

// LoadConfig loads config from file, falling back to defaults and EVIDENTIA_*
// environment variables.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":10030")
	viper.SetDefault("retrieval.default_limit", 10)
	viper.SetDefault("retrieval.max_limit", 50)
	viper.SetDefault("retrieval.rrf_k", 60)
	viper.SetDefault("retrieval.rerank_top_n", 10)
	viper.SetDefault("pipeline.max_curation_workers", 4)
	viper.SetDefault("pipeline.run_budget", 5*time.Minute)
	viper.SetDefault("pipeline.evidence_per_issue", 8)
	viper.SetDefault("instruments.max_retries", 2)
	viper.SetDefault("instruments.backoff", 300*time.Millisecond)
	viper.SetDefault("instruments.generative.timeout", 60*time.Second)
	viper.SetDefault("instruments.embedding.timeout", 30*time.Second)
	viper.SetDefault("instruments.rerank.timeout", 30*time.Second)
	viper.SetDefault("storage.redis.cache_ttl", 6*time.Hour)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("EVIDENTIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
