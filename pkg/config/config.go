package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"chatcall-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Call      CallConfig      `yaml:"call"`
	Push      PushConfig      `yaml:"push"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `yaml:"port" env:"PORT" env-default:"8084"`
	Environment string `yaml:"environment" env:"ENV" env-default:"development"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" env-default:"call-service"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"26257"`
	User     string `yaml:"user" env:"DB_USER" env-default:"root"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Database string `yaml:"database" env:"DB_NAME" env-default:"chatcall"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"25"`
	MinConns int32  `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"5"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	PoolSize int           `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"10"`
	Timeout  time.Duration `yaml:"timeout" env:"REDIS_TIMEOUT" env-default:"5s"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"JWT_SECRET"`
	Audience string `yaml:"audience" env:"JWT_AUDIENCE" env-default:"chatcall-api"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format   string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	Output   string `yaml:"output" env:"LOG_OUTPUT" env-default:"stdout"`
	FilePath string `yaml:"file_path" env:"LOG_FILE_PATH" env-default:"/logs/app.log"`
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	RingTimeout    time.Duration `yaml:"ring_timeout" env:"CALL_RING_TIMEOUT" env-default:"10s"`
	MaxConnections int           `yaml:"max_connections" env:"WS_MAX_CONNECTIONS" env-default:"1000"`

	// ConversationsSeedPath is a JSON file of conversations loaded into the
	// in-memory directory when the database is unreachable
	ConversationsSeedPath string `yaml:"conversations_seed_path" env:"CONVERSATIONS_SEED_PATH"`
}

// PushConfig selects the push provider ("mock" or "firebase")
type PushConfig struct {
	Provider        string `yaml:"provider" env:"PUSH_PROVIDER" env-default:"mock"`
	ProjectID       string `yaml:"project_id" env:"FIREBASE_PROJECT_ID"`
	CredentialsPath string `yaml:"credentials_path" env:"FIREBASE_CREDENTIALS_PATH"`
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://127.0.0.1:3000"`
}

// RateLimitConfig holds per-route request budgets. Each budget applies per
// user (or per client IP before authentication) within Window.
type RateLimitConfig struct {
	CallInitiate int           `yaml:"call_initiate" env:"RATELIMIT_CALLS_INITIATE" env-default:"10"`
	CallAction   int           `yaml:"call_action" env:"RATELIMIT_CALLS_ACTION" env-default:"30"`
	WSConnect    int           `yaml:"ws_connect" env:"RATELIMIT_WS_CONNECT" env-default:"20"`
	Window       time.Duration `yaml:"window" env:"RATELIMIT_WINDOW" env-default:"1m"`
}

// Load reads configuration from the YAML file named by CONFIG_PATH (when set)
// and then from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	// Docker secrets take precedence over plain variables
	cfg.JWT.Secret = env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that defaults cannot guarantee
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATELIMIT_WINDOW must be positive")
	}
	if c.IsProduction() && c.Push.Provider == "mock" {
		return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
