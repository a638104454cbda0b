package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	LMS       LMSConfig
	Seats     SeatsConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
	Authz     AuthzConfig
	Webhook   WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	WorkerPort         string // worker health and metrics listener
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string // if set, used as-is (e.g. postgres://localhost:5432/seats?sslmode=disable)
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the identity service.
type JWTConfig struct {
	Secret string
	Issuer string
}

// AWSConfig holds AWS credentials and the export bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ExportsBucket        string
	Endpoint             string // optional S3-compatible endpoint (minio, localstack)
	PresignExpireMinutes int
}

// LMSConfig holds enrollment API settings.
type LMSConfig struct {
	BaseURL       string
	APIKey        string
	EnrollTimeout time.Duration
}

// SeatsConfig holds seat engine policies.
type SeatsConfig struct {
	ScopeMissingContent string // drop | warn | reject
	PoolDeletePolicy    string // force_release | block
}

// SweepConfig holds expiration sweep settings.
type SweepConfig struct {
	Enabled  bool
	Schedule string
	LockTTL  time.Duration
}

// RateLimitConfig holds API rate limiting. Rate uses the "<limit>-<S|M|H|D>" format; empty disables.
type RateLimitConfig struct {
	Rate string
}

// AuthzConfig points to the role/capability table. Empty uses the built-in table.
type AuthzConfig struct {
	RolesFile string
}

// WebhookConfig holds the shared secret for LMS callbacks. Empty disables the webhook.
type WebhookConfig struct {
	Secret string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	var errs []string
	dur := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be a positive duration", key))
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			WorkerPort:         getEnv("WORKER_PORT", "9091"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "seats"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:        int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime: dur("DB_MAX_CONN_LIFETIME", "1h"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer: getEnv("JWT_ISSUER", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportsBucket:        getEnv("AWS_S3_EXPORTS_BUCKET", "seat-exports"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		LMS: LMSConfig{
			BaseURL:       getEnv("LMS_BASE_URL", "http://localhost:8081/api"),
			APIKey:        getEnv("LMS_API_KEY", ""),
			EnrollTimeout: dur("ENROLL_TIMEOUT", "10s"),
		},
		Seats: SeatsConfig{
			ScopeMissingContent: getEnv("SCOPE_MISSING_CONTENT", "drop"),
			PoolDeletePolicy:    getEnv("POOL_DELETE_POLICY", "force_release"),
		},
		Sweep: SweepConfig{
			Enabled:  getEnvBool("SWEEP_ENABLED", true),
			Schedule: getEnv("SWEEP_SCHEDULE", "@every 1m"),
			LockTTL:  dur("SWEEP_LOCK_TTL", "5m"),
		},
		RateLimit: RateLimitConfig{
			Rate: getEnv("RATE_LIMIT", "600-M"),
		},
		Authz: AuthzConfig{
			RolesFile: getEnv("ROLES_FILE", ""),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
