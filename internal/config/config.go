// internal/config/config.go
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Pipeline PipelineConfig
	Cipher   CipherConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Port         string
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StoreConfig holds the object store connection info and the five
// container names the relay moves files between.
type StoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	Inbound    string
	Processing string
	Outbound   string
	Archive    string
	Error      string
}

type PipelineConfig struct {
	PollInterval  time.Duration // copy status poll interval
	MaxCopyWait   time.Duration // give up on a copy after this long
	RetryAttempts int
	RetryBackoff  time.Duration
	WorkerCount   int
	WatchInterval time.Duration // inbound container sweep interval
	OrphanGrace   time.Duration // age before a non-terminal audit entry is reconciled
}

// CipherConfig controls field-level encryption of sensitive CSV columns.
type CipherConfig struct {
	Key     string   // hex-encoded 256-bit key
	Columns []string // CSV column names to encrypt
	Strict  bool     // any record failure fails the whole file
}

type CacheConfig struct {
	Enabled       bool
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	NotifyChannel string
	DedupeTTL     time.Duration
}

var (
	once     sync.Once
	instance *Config
)

func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		// Set default values
		viper.SetDefault("SERVER_PORT", "8080")
		viper.SetDefault("SERVER_MODE", "info")
		viper.SetDefault("SERVER_READ_TIMEOUT", 10)
		viper.SetDefault("SERVER_WRITE_TIMEOUT", 10)
		viper.SetDefault("DB_HOST", "localhost")
		viper.SetDefault("DB_PORT", "5432")
		viper.SetDefault("DB_USER", "postgres")
		viper.SetDefault("DB_PASSWORD", "postgres")
		viper.SetDefault("DB_NAME", "filerelay")
		viper.SetDefault("DB_SSLMODE", "disable")
		viper.SetDefault("STORE_ENDPOINT", "localhost:9000")
		viper.SetDefault("STORE_ACCESS_KEY", "")
		viper.SetDefault("STORE_SECRET_KEY", "")
		viper.SetDefault("STORE_REGION", "us-east-1")
		viper.SetDefault("STORE_USE_SSL", false)
		viper.SetDefault("STORE_INBOUND", "inbound")
		viper.SetDefault("STORE_PROCESSING", "processing")
		viper.SetDefault("STORE_OUTBOUND", "outbound")
		viper.SetDefault("STORE_ARCHIVE", "archive")
		viper.SetDefault("STORE_ERROR", "error")
		viper.SetDefault("PIPELINE_POLL_INTERVAL", "1s")
		viper.SetDefault("PIPELINE_MAX_COPY_WAIT", "2m")
		viper.SetDefault("PIPELINE_RETRY_ATTEMPTS", 3)
		viper.SetDefault("PIPELINE_RETRY_BACKOFF", "2s")
		viper.SetDefault("PIPELINE_WORKER_COUNT", 4)
		viper.SetDefault("PIPELINE_WATCH_INTERVAL", "30s")
		viper.SetDefault("PIPELINE_ORPHAN_GRACE", "1h")
		viper.SetDefault("CIPHER_KEY", "")
		viper.SetDefault("CIPHER_COLUMNS", "")
		viper.SetDefault("CIPHER_STRICT", false)
		viper.SetDefault("CACHE_ENABLED", false)
		viper.SetDefault("REDIS_URL", "")
		viper.SetDefault("REDIS_HOST", "127.0.0.1")
		viper.SetDefault("REDIS_PORT", "6379")
		viper.SetDefault("REDIS_PASSWORD", "")
		viper.SetDefault("REDIS_DB", 0)
		viper.SetDefault("NOTIFY_CHANNEL", "filerelay:events")
		viper.SetDefault("DEDUPE_TTL", "24h")

		// Read from environment variables
		viper.AutomaticEnv()

		instance = &Config{
			Server: ServerConfig{
				Port:         viper.GetString("SERVER_PORT"),
				Mode:         viper.GetString("SERVER_MODE"),
				ReadTimeout:  viper.GetInt("SERVER_READ_TIMEOUT"),
				WriteTimeout: viper.GetInt("SERVER_WRITE_TIMEOUT"),
			},
			Database: DatabaseConfig{
				Host:     viper.GetString("DB_HOST"),
				Port:     viper.GetString("DB_PORT"),
				User:     viper.GetString("DB_USER"),
				Password: viper.GetString("DB_PASSWORD"),
				DBName:   viper.GetString("DB_NAME"),
				SSLMode:  viper.GetString("DB_SSLMODE"),
			},
			Store: StoreConfig{
				Endpoint:   viper.GetString("STORE_ENDPOINT"),
				AccessKey:  viper.GetString("STORE_ACCESS_KEY"),
				SecretKey:  viper.GetString("STORE_SECRET_KEY"),
				Region:     viper.GetString("STORE_REGION"),
				UseSSL:     viper.GetBool("STORE_USE_SSL"),
				Inbound:    viper.GetString("STORE_INBOUND"),
				Processing: viper.GetString("STORE_PROCESSING"),
				Outbound:   viper.GetString("STORE_OUTBOUND"),
				Archive:    viper.GetString("STORE_ARCHIVE"),
				Error:      viper.GetString("STORE_ERROR"),
			},
			Pipeline: PipelineConfig{
				PollInterval:  viper.GetDuration("PIPELINE_POLL_INTERVAL"),
				MaxCopyWait:   viper.GetDuration("PIPELINE_MAX_COPY_WAIT"),
				RetryAttempts: viper.GetInt("PIPELINE_RETRY_ATTEMPTS"),
				RetryBackoff:  viper.GetDuration("PIPELINE_RETRY_BACKOFF"),
				WorkerCount:   viper.GetInt("PIPELINE_WORKER_COUNT"),
				WatchInterval: viper.GetDuration("PIPELINE_WATCH_INTERVAL"),
				OrphanGrace:   viper.GetDuration("PIPELINE_ORPHAN_GRACE"),
			},
			Cipher: CipherConfig{
				Key:     viper.GetString("CIPHER_KEY"),
				Columns: splitColumns(viper.GetString("CIPHER_COLUMNS")),
				Strict:  viper.GetBool("CIPHER_STRICT"),
			},
			Cache: CacheConfig{
				Enabled:       viper.GetBool("CACHE_ENABLED"),
				RedisURL:      viper.GetString("REDIS_URL"),
				RedisHost:     viper.GetString("REDIS_HOST"),
				RedisPort:     viper.GetString("REDIS_PORT"),
				RedisPassword: viper.GetString("REDIS_PASSWORD"),
				RedisDB:       viper.GetInt("REDIS_DB"),
				NotifyChannel: viper.GetString("NOTIFY_CHANNEL"),
				DedupeTTL:     viper.GetDuration("DEDUPE_TTL"),
			},
		}
	})

	return instance
}

func splitColumns(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}
