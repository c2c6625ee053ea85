package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server and worker configuration loaded from environment.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	AWS           AWSConfig
	Transcription TranscriptionConfig
	Insights      InsightsConfig
	Calendar      CalendarConfig
	Worker        WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MaxUploadMB        int    // limit for the server-side multipart upload endpoint
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/meetings?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// JWTConfig holds bearer token validation settings. Empty secret disables auth.
type JWTConfig struct {
	Secret string
	Issuer string
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string // optional S3-compatible endpoint (MinIO, localstack)
	RecordingsBucket     string
	PresignExpireMinutes int
}

// TranscriptionConfig points at a Mistral-compatible transcription API.
type TranscriptionConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// InsightsConfig holds the Claude settings for insight generation.
type InsightsConfig struct {
	APIKey            string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
}

// CalendarConfig holds the calendar events API and its OAuth2 refresh credentials.
type CalendarConfig struct {
	BaseURL      string
	CalendarID   string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	TimeZone     string
}

// Enabled reports whether calendar promotion can be served.
func (c CalendarConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// WorkerConfig holds background job settings.
type WorkerConfig struct {
	Concurrency   int
	MetricsPort   string
	SweepSchedule string
	StaleAfter    time.Duration
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

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	transcribeTimeout, err := time.ParseDuration(getEnv("TRANSCRIPTION_TIMEOUT", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSCRIPTION_TIMEOUT: %w", err)
	}
	insightsTimeout, err := time.ParseDuration(getEnv("INSIGHTS_TIMEOUT", "3m"))
	if err != nil {
		return nil, fmt.Errorf("invalid INSIGHTS_TIMEOUT: %w", err)
	}
	redisDialTimeout, err := time.ParseDuration(getEnv("REDIS_DIAL_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DIAL_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MaxUploadMB:        getEnvInt("MAX_UPLOAD_MB", 2048),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "meetings"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          redisDB,
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 0),
			DialTimeout: redisDialTimeout,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Issuer: getEnv("JWT_ISSUER", "meetings"),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "meeting-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Transcription: TranscriptionConfig{
			BaseURL: getEnv("TRANSCRIPTION_BASE_URL", "https://api.mistral.ai"),
			APIKey:  getEnv("TRANSCRIPTION_API_KEY", ""),
			Model:   getEnv("TRANSCRIPTION_MODEL", "voxtral-mini-latest"),
			Timeout: transcribeTimeout,
		},
		Insights: InsightsConfig{
			APIKey:            getEnv("ANTHROPIC_API_KEY", ""),
			Model:             getEnv("INSIGHTS_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:         getEnvInt("INSIGHTS_MAX_TOKENS", 4096),
			Timeout:           insightsTimeout,
			RequestsPerMinute: getEnvInt("INSIGHTS_REQUESTS_PER_MINUTE", 30),
		},
		Calendar: CalendarConfig{
			BaseURL:      getEnv("CALENDAR_BASE_URL", "https://www.googleapis.com/calendar/v3"),
			CalendarID:   getEnv("CALENDAR_ID", "primary"),
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),
			TokenURL:     getEnv("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			TimeZone:     getEnv("CALENDAR_TIME_ZONE", "UTC"),
		},
		Worker: WorkerConfig{
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", 2),
			MetricsPort:   getEnv("WORKER_METRICS_PORT", "9091"),
			SweepSchedule: getEnv("STAGE_SWEEP_SCHEDULE", "@every 1m"),
			StaleAfter:    time.Duration(getEnvInt("STAGE_STALE_MINUTES", 30)) * time.Minute,
		},
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
