package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the relay and room server configuration.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// DatabaseEnabled switches file and chat storage to Postgres. Without
	// it the server keeps everything in memory.
	DatabaseEnabled bool

	ServerPort string
	ServerHost string

	// RedisAddr enables cross-instance fan-out of replication frames.
	RedisAddr string

	// Code execution
	SandboxURL    string
	ExecWorkers   int
	ExecQueueSize int
	ExecTimeout   time.Duration

	// Observability
	JaegerEndpoint string
}

// ClientConfig is the configuration of the coderoom client.
type ClientConfig struct {
	ServerURL   string
	DefaultFile string
	UserColor   string
	SettleDelay time.Duration
	// SyncTimeout is how long a newly opened file waits for peer state
	// before it starts from the server copy.
	SyncTimeout time.Duration
}

// Load reads the server configuration from the environment (and .env).
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "coderoom"),
		DBSSLMode:       getEnv("DB_SSLMODE", "disable"),
		DatabaseEnabled: getEnvBool("DATABASE_ENABLED", false),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		SandboxURL:    getEnv("SANDBOX_URL", "http://localhost:2000"),
		ExecWorkers:   getEnvInt("EXEC_WORKERS", 4),
		ExecQueueSize: getEnvInt("EXEC_QUEUE_SIZE", 64),
		ExecTimeout:   getEnvDuration("EXEC_TIMEOUT", 15*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	if cfg.ExecWorkers <= 0 {
		return nil, fmt.Errorf("EXEC_WORKERS must be positive, got %d", cfg.ExecWorkers)
	}
	if cfg.ExecQueueSize <= 0 {
		return nil, fmt.Errorf("EXEC_QUEUE_SIZE must be positive, got %d", cfg.ExecQueueSize)
	}

	return cfg, nil
}

// LoadClient reads the client configuration from the environment (and .env).
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerURL:   getEnv("COLLAB_SERVER_URL", "ws://localhost:8080"),
		DefaultFile: getEnv("COLLAB_DEFAULT_FILE", "main.py"),
		UserColor:   getEnv("COLLAB_USER_COLOR", ""),
		SettleDelay: getEnvDuration("SWITCH_SETTLE_DELAY", 300*time.Millisecond),
		SyncTimeout: getEnvDuration("REPLICA_SYNC_TIMEOUT", 5*time.Second),
	}
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
