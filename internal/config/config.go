// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Workflow driver
	DriverInterval time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StepTimeout    time.Duration
	RecentRuns     int
	RecentTTL      time.Duration

	// Risk engine
	RiskTimeout         time.Duration
	VelocityWindow      time.Duration
	VelocityRetention   time.Duration
	VelocityMaxEntries  int
	VelocityMaxKeys     int
	UserVelocityLimit   int
	IPVelocityLimit     int
	DeviceVelocityLimit int
	AmountSpikeMultiple float64
	MinSpikeHistory     int
	MinSessionSeconds   float64
	MinPageViews        int
	NewAccountAge       time.Duration
	LargeAmount         float64
	VeryLargeAmount     float64
	RoundAmountMin      float64
	DeviceCapacity      int
	DeviceTTL           time.Duration
	MediumScore         float64 // level cut-offs
	HighScore           float64
	CriticalScore       float64
	DeclineScore        float64
	DeclineMinConf      float64
	ReviewScore         float64
	ReviewBelowConf     float64
	HighRiskCountries   []string
	BlacklistSeed       []string // user:<id>, ip:<addr>, device:<id>

	// Event sinks; each is optional
	KafkaBrokers []string
	KafkaPrefix  string // prepended to each event topic
	RedisURL     string // also backs the shared blacklist

	// Gateways
	StripeSecretKey  string // enables the card method
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Security
	AdminSecret    string // guards risk checks and workflow and blacklist writes when set
	RateLimitRPM   int
	AllowedOrigins []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultRateLimit   = 600
	DefaultKafkaPrefix = "paycore."
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		DriverInterval: getEnvDuration("WORKFLOW_DRIVER_INTERVAL", time.Second),
		BackoffBase:    getEnvDuration("WORKFLOW_BACKOFF_BASE", time.Second),
		BackoffCap:     getEnvDuration("WORKFLOW_BACKOFF_CAP", 30*time.Second),
		StepTimeout:    getEnvDuration("WORKFLOW_STEP_TIMEOUT", 30*time.Second),
		RecentRuns:     getEnvInt("WORKFLOW_RECENT_RUNS", 10_000),
		RecentTTL:      getEnvDuration("WORKFLOW_RECENT_TTL", time.Hour),

		RiskTimeout:         getEnvDuration("RISK_ANALYZER_TIMEOUT", 200*time.Millisecond),
		VelocityWindow:      getEnvDuration("RISK_VELOCITY_WINDOW", time.Hour),
		VelocityRetention:   getEnvDuration("RISK_VELOCITY_RETENTION", 24*time.Hour),
		VelocityMaxEntries:  getEnvInt("RISK_VELOCITY_MAX_ENTRIES", 1000),
		VelocityMaxKeys:     getEnvInt("RISK_VELOCITY_MAX_KEYS", 100_000),
		UserVelocityLimit:   getEnvInt("RISK_USER_VELOCITY_LIMIT", 10),
		IPVelocityLimit:     getEnvInt("RISK_IP_VELOCITY_LIMIT", 20),
		DeviceVelocityLimit: getEnvInt("RISK_DEVICE_VELOCITY_LIMIT", 15),
		AmountSpikeMultiple: getEnvFloat("RISK_AMOUNT_SPIKE_MULTIPLE", 5),
		MinSpikeHistory:     getEnvInt("RISK_MIN_SPIKE_HISTORY", 3),
		MinSessionSeconds:   getEnvFloat("RISK_MIN_SESSION_SECONDS", 30),
		MinPageViews:        getEnvInt("RISK_MIN_PAGE_VIEWS", 2),
		NewAccountAge:       getEnvDuration("RISK_NEW_ACCOUNT_AGE", 24*time.Hour),
		LargeAmount:         getEnvFloat("RISK_LARGE_AMOUNT", 10_000),
		VeryLargeAmount:     getEnvFloat("RISK_VERY_LARGE_AMOUNT", 50_000),
		RoundAmountMin:      getEnvFloat("RISK_ROUND_AMOUNT_MIN", 1_000),
		DeviceCapacity:      getEnvInt("RISK_DEVICE_CAPACITY", 100_000),
		DeviceTTL:           getEnvDuration("RISK_DEVICE_TTL", 30*24*time.Hour),
		MediumScore:         getEnvFloat("RISK_MEDIUM_SCORE", 30),
		HighScore:           getEnvFloat("RISK_HIGH_SCORE", 60),
		CriticalScore:       getEnvFloat("RISK_CRITICAL_SCORE", 80),
		DeclineScore:        getEnvFloat("RISK_DECLINE_SCORE", 75),
		DeclineMinConf:      getEnvFloat("RISK_DECLINE_MIN_CONFIDENCE", 0.7),
		ReviewScore:         getEnvFloat("RISK_REVIEW_SCORE", 40),
		ReviewBelowConf:     getEnvFloat("RISK_REVIEW_BELOW_CONFIDENCE", 0.6),
		HighRiskCountries:   getEnvList("RISK_HIGH_RISK_COUNTRIES", nil),
		BlacklistSeed:       getEnvList("RISK_BLACKLIST", nil),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
		KafkaPrefix:  getEnv("KAFKA_TOPIC_PREFIX", DefaultKafkaPrefix),
		RedisURL:     os.Getenv("REDIS_URL"),

		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		BreakerThreshold: getEnvInt("GATEWAY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),

		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.DriverInterval <= 0 {
		return fmt.Errorf("WORKFLOW_DRIVER_INTERVAL must be positive")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("WORKFLOW_BACKOFF_BASE must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("WORKFLOW_BACKOFF_CAP must be at least WORKFLOW_BACKOFF_BASE")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("WORKFLOW_STEP_TIMEOUT must be positive")
	}
	if c.RiskTimeout <= 0 {
		return fmt.Errorf("RISK_ANALYZER_TIMEOUT must be positive")
	}
	if c.VelocityRetention < c.VelocityWindow {
		return fmt.Errorf("RISK_VELOCITY_RETENTION must cover RISK_VELOCITY_WINDOW")
	}
	if c.ReviewScore <= 0 || c.ReviewScore >= c.DeclineScore || c.DeclineScore > 100 {
		return fmt.Errorf("risk scores must satisfy 0 < RISK_REVIEW_SCORE < RISK_DECLINE_SCORE <= 100")
	}
	if c.MediumScore <= 0 || c.MediumScore >= c.HighScore || c.HighScore >= c.CriticalScore || c.CriticalScore > 100 {
		return fmt.Errorf("risk levels must satisfy 0 < RISK_MEDIUM_SCORE < RISK_HIGH_SCORE < RISK_CRITICAL_SCORE <= 100")
	}
	if c.DeclineMinConf < 0 || c.DeclineMinConf > 1 || c.ReviewBelowConf < 0 || c.ReviewBelowConf > 1 {
		return fmt.Errorf("RISK_DECLINE_MIN_CONFIDENCE and RISK_REVIEW_BELOW_CONFIDENCE must be within [0, 1]")
	}
	if c.AmountSpikeMultiple <= 1 {
		return fmt.Errorf("RISK_AMOUNT_SPIKE_MULTIPLE must be greater than 1")
	}
	if c.LargeAmount <= 0 || c.VeryLargeAmount <= c.LargeAmount {
		return fmt.Errorf("risk amounts must satisfy 0 < RISK_LARGE_AMOUNT < RISK_VERY_LARGE_AMOUNT")
	}
	if c.MinSpikeHistory < 0 || c.MinPageViews < 0 || c.MinSessionSeconds < 0 || c.NewAccountAge < 0 || c.RoundAmountMin < 0 {
		return fmt.Errorf("risk behavioral thresholds must not be negative")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("GATEWAY_BREAKER_THRESHOLD must be positive")
	}
	for _, key := range c.BlacklistSeed {
		if !strings.HasPrefix(key, "user:") && !strings.HasPrefix(key, "ip:") && !strings.HasPrefix(key, "device:") {
			return fmt.Errorf("RISK_BLACKLIST entry %q must start with user:, ip: or device:", key)
		}
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
