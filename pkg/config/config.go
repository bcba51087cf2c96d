package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	App          AppConfig
	Engine       EngineConfig
	Notification NotificationConfig
	Auth         AuthConfig
	LLM          LLMConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxRequestBytes int64
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	MigrationsPath  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	CacheTTL time.Duration
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level  string
	Format string // json or console
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string
	Version     string
	Name        string
}

// EngineConfig holds the automation engine settings
type EngineConfig struct {
	// Timezone used by time-of-day and day-of-week conditions
	Timezone              string
	MaxRetries            int
	RetryBackoff          string // exponential or linear
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	DispatchWorkers       int
	DispatchQueueSize     int
	WebhookTimeout        time.Duration
	ResumeInterval        time.Duration
	RetryInterval         time.Duration
	ScheduleInterval      time.Duration
	StaleExecutionTimeout time.Duration
	InactivityCron        string
	RuleTemplatesDir      string
	ExpressionCostLimit   uint64
	DefaultInactivityDays int
}

// NotificationConfig holds outbound delivery configuration
type NotificationConfig struct {
	BaseURL           string
	FailureRecipients []string
	Email             EmailConfig
	Slack             SlackConfig
	SMS               SMSConfig
}

// EmailConfig holds email delivery configuration
type EmailConfig struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
}

// SlackConfig holds Slack notification configuration
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
}

// SMSConfig holds the SMS gateway configuration
type SMSConfig struct {
	Enabled    bool
	GatewayURL string
	APIKey     string
	Sender     string
}

// AuthConfig holds operator API authentication settings
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// LLMConfig holds the optional letter drafting provider
type LLMConfig struct {
	Provider string // anthropic, openai or empty
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 40),
			MaxRequestBytes: int64(getEnvAsInt("SERVER_MAX_REQUEST_BYTES", 1<<20)),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "automation"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", false),
			MigrationsPath:  getEnv("DB_MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", 5*time.Minute),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Name:        getEnv("APP_NAME", "record-automation"),
		},
		Engine: EngineConfig{
			Timezone:              getEnv("ENGINE_TIMEZONE", "UTC"),
			MaxRetries:            getEnvAsInt("ENGINE_MAX_RETRIES", 3),
			RetryBackoff:          getEnv("ENGINE_RETRY_BACKOFF", "exponential"),
			RetryBaseDelay:        getEnvAsDuration("ENGINE_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:         getEnvAsDuration("ENGINE_RETRY_MAX_DELAY", 30*time.Minute),
			DispatchWorkers:       getEnvAsInt("ENGINE_DISPATCH_WORKERS", 4),
			DispatchQueueSize:     getEnvAsInt("ENGINE_DISPATCH_QUEUE_SIZE", 256),
			WebhookTimeout:        getEnvAsDuration("ENGINE_WEBHOOK_TIMEOUT", 30*time.Second),
			ResumeInterval:        getEnvAsDuration("ENGINE_RESUME_INTERVAL", 15*time.Second),
			RetryInterval:         getEnvAsDuration("ENGINE_RETRY_INTERVAL", 30*time.Second),
			ScheduleInterval:      getEnvAsDuration("ENGINE_SCHEDULE_INTERVAL", time.Minute),
			StaleExecutionTimeout: getEnvAsDuration("ENGINE_STALE_EXECUTION_TIMEOUT", 15*time.Minute),
			InactivityCron:        getEnv("ENGINE_INACTIVITY_CRON", "0 0 6 * * *"),
			RuleTemplatesDir:      getEnv("ENGINE_RULE_TEMPLATES_DIR", ""),
			ExpressionCostLimit:   uint64(getEnvAsInt("ENGINE_EXPRESSION_COST_LIMIT", 100000)),
			DefaultInactivityDays: getEnvAsInt("ENGINE_DEFAULT_INACTIVITY_DAYS", 30),
		},
		Notification: NotificationConfig{
			BaseURL:           getEnv("NOTIFICATION_BASE_URL", "http://localhost:8080"),
			FailureRecipients: getEnvAsList("NOTIFICATION_FAILURE_RECIPIENTS", nil),
			Email: EmailConfig{
				Enabled:      getEnvAsBool("NOTIFICATION_EMAIL_ENABLED", false),
				SMTPHost:     getEnv("NOTIFICATION_SMTP_HOST", "smtp.gmail.com"),
				SMTPPort:     getEnvAsInt("NOTIFICATION_SMTP_PORT", 587),
				SMTPUser:     getEnv("NOTIFICATION_SMTP_USER", ""),
				SMTPPassword: getEnv("NOTIFICATION_SMTP_PASSWORD", ""),
				FromAddress:  getEnv("NOTIFICATION_FROM_ADDRESS", "noreply@example.com"),
			},
			Slack: SlackConfig{
				Enabled:    getEnvAsBool("NOTIFICATION_SLACK_ENABLED", false),
				WebhookURL: getEnv("NOTIFICATION_SLACK_WEBHOOK_URL", ""),
			},
			SMS: SMSConfig{
				Enabled:    getEnvAsBool("NOTIFICATION_SMS_ENABLED", false),
				GatewayURL: getEnv("NOTIFICATION_SMS_GATEWAY_URL", ""),
				APIKey:     getEnv("NOTIFICATION_SMS_API_KEY", ""),
				Sender:     getEnv("NOTIFICATION_SMS_SENDER", ""),
			},
		},
		Auth: AuthConfig{
			Enabled:   getEnvAsBool("AUTH_ENABLED", true),
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "record-automation"),
			TokenTTL:  getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ""),
			APIKey:   getEnv("LLM_API_KEY", ""),
			Model:    getEnv("LLM_MODEL", ""),
			Timeout:  getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("invalid engine timezone %q: %w", c.Engine.Timezone, err)
	}

	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine max retries cannot be negative: %d", c.Engine.MaxRetries)
	}

	switch c.Engine.RetryBackoff {
	case "exponential", "linear":
	default:
		return fmt.Errorf("invalid retry backoff %q: must be exponential or linear", c.Engine.RetryBackoff)
	}

	if c.Engine.DispatchWorkers <= 0 || c.Engine.DispatchQueueSize <= 0 {
		return fmt.Errorf("dispatch workers and queue size must be positive")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when auth is enabled")
	}

	switch c.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	return nil
}

// Location returns the engine timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// DatabaseURL returns the connection string in URL form, as golang-migrate expects
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
