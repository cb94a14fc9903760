package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// JWTSecret verifies the HMAC-signed tokens presented by clients.
	JWTSecret string

	// Coordinator timing
	LockDefaultTTL        time.Duration
	LockMaxTTL            time.Duration
	TypingWindow          time.Duration
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration
	SendBuffer            int

	// Chat persistence worker pool
	ChatWorkers   int
	ChatQueueSize int

	// ReconcileLocksOnStart clears expired persisted locks and reloads the
	// live ones before accepting connections.
	ReconcileLocksOnStart bool

	// Observability
	JaegerEndpoint    string
	JaegerSampleRatio float64
	Debug             bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "codecollab")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "localhost")

	v.SetDefault("jwt.secret", "")

	v.SetDefault("lock.default_ttl", "10m")
	v.SetDefault("lock.max_ttl", "60m")
	v.SetDefault("typing.window", "3s")
	v.SetDefault("presence.stale_after", "5m")
	v.SetDefault("presence.sweep_interval", "30s")
	v.SetDefault("send.buffer", 256)

	v.SetDefault("chat.workers", 4)
	v.SetDefault("chat.queue_size", 100)

	v.SetDefault("locks.reconcile_on_start", true)

	v.SetDefault("jaeger.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("jaeger.sample_ratio", 1.0)
	v.SetDefault("debug", false)
}

// Load reads configuration from .env, an optional YAML file and the
// environment, in increasing order of precedence. Keys map to env vars by
// replacing dots with underscores (db.host -> DB_HOST).
//
// If configFile is empty, collab.yaml in the working directory is used when
// present.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("collab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		DBHost:     v.GetString("db.host"),
		DBPort:     v.GetString("db.port"),
		DBUser:     v.GetString("db.user"),
		DBPassword: v.GetString("db.password"),
		DBName:     v.GetString("db.name"),
		DBSSLMode:  v.GetString("db.sslmode"),

		ServerPort: v.GetString("server.port"),
		ServerHost: v.GetString("server.host"),

		JWTSecret: v.GetString("jwt.secret"),

		LockDefaultTTL:        v.GetDuration("lock.default_ttl"),
		LockMaxTTL:            v.GetDuration("lock.max_ttl"),
		TypingWindow:          v.GetDuration("typing.window"),
		PresenceStaleAfter:    v.GetDuration("presence.stale_after"),
		PresenceSweepInterval: v.GetDuration("presence.sweep_interval"),
		SendBuffer:            v.GetInt("send.buffer"),

		ChatWorkers:   v.GetInt("chat.workers"),
		ChatQueueSize: v.GetInt("chat.queue_size"),

		ReconcileLocksOnStart: v.GetBool("locks.reconcile_on_start"),

		JaegerEndpoint:    v.GetString("jaeger.endpoint"),
		JaegerSampleRatio: v.GetFloat64("jaeger.sample_ratio"),
		Debug:             v.GetBool("debug"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.LockDefaultTTL <= 0 || c.LockMaxTTL < c.LockDefaultTTL {
		return fmt.Errorf("invalid lock TTLs: default %s, max %s", c.LockDefaultTTL, c.LockMaxTTL)
	}
	if c.TypingWindow <= 0 || c.PresenceStaleAfter <= 0 || c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("typing window, presence stale window and sweep interval must be positive")
	}
	if c.SendBuffer <= 0 || c.ChatWorkers <= 0 || c.ChatQueueSize <= 0 {
		return fmt.Errorf("send buffer, chat workers and chat queue size must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
