// Package config loads the daemon's configuration from environment
// variables, the way the rest of this codebase's ambient stack expects:
// no config files, no flags beyond what cmd/ wires up, one Load() call at
// startup producing an immutable Config.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Admin    AdminConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Storage  StorageConfig
	SMTP     SMTPConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

// LoggingConfig controls the slog handler cmd/smtpd wires up at startup.
type LoggingConfig struct {
	Level     string
	Format    string // json, text
	Output    string // stdout, stderr, or a file path
	AddSource bool
}

// RedisConfig configures the optional Redis-backed rate limiter.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// SMTPConfig holds every knob the SMTP core's ServerConfig is built from.
type SMTPConfig struct {
	Hostname             string
	ListenAddrs          []string
	MaxConnections       int
	MaxRecipients        int
	MaxMessageSize       int64
	MaxLineLength        int
	IdleTimeout          time.Duration
	DataTimeout          time.Duration
	RateLimitWindow      time.Duration
	RateLimitCount       int
	GracePeriod          time.Duration
	TLSCertFile          string
	TLSKeyFile           string
	TLSEnabled           bool
	TLSRequired          bool
	AuthRequired         bool
	AllowPlainWithoutTLS bool
}

// AdminConfig holds the operator-facing HTTP surface's bind address.
type AdminConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration for the
// Postgres sink.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig configures the admin API's operator-token signing.
type JWTConfig struct {
	Secret      string
	TokenExpiry time.Duration
	Issuer      string
}

// StorageConfig holds S3/MinIO configuration for the sink's blob store.
type StorageConfig struct {
	Endpoint           string
	Region             string
	AccessKeyID        string
	SecretAccessKey    string
	Bucket             string
	UseSSL             bool
	PresignedURLExpiry time.Duration
	LargeFileThreshold int64
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Admin: AdminConfig{
			Host: getEnv("ADMIN_HOST", "0.0.0.0"),
			Port: getEnv("ADMIN_PORT", "8081"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "inbound_smtpd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			TokenExpiry: getDurationEnv("JWT_TOKEN_EXPIRY", 15*time.Minute),
			Issuer:      getEnv("JWT_ISSUER", "inbound-smtpd"),
		},
		Storage: StorageConfig{
			Endpoint:           getEnv("S3_ENDPOINT", "localhost:9000"),
			Region:             getEnv("S3_REGION", "us-east-1"),
			AccessKeyID:        getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
			Bucket:             getEnv("S3_BUCKET", "inbound-smtpd-messages"),
			UseSSL:             getBoolEnv("S3_USE_SSL", false),
			PresignedURLExpiry: getDurationEnv("S3_PRESIGNED_URL_EXPIRY", 15*time.Minute),
			LargeFileThreshold: getInt64Env("S3_LARGE_FILE_THRESHOLD", 10*1024*1024),
		},
		SMTP: SMTPConfig{
			Hostname:             getEnv("SMTP_HOSTNAME", "mail.example.com"),
			ListenAddrs:          getListEnv("SMTP_LISTEN_ADDRS", []string{":25"}),
			MaxConnections:       getIntEnv("SMTP_MAX_CONNECTIONS", 1000),
			MaxRecipients:        getIntEnv("SMTP_MAX_RECIPIENTS", 100),
			MaxMessageSize:       getInt64Env("SMTP_MAX_MESSAGE_SIZE", 25*1024*1024),
			MaxLineLength:        getIntEnv("SMTP_MAX_LINE_LENGTH", 1000),
			IdleTimeout:          getDurationEnv("SMTP_IDLE_TIMEOUT", 5*time.Minute),
			DataTimeout:          getDurationEnv("SMTP_DATA_TIMEOUT", 10*time.Minute),
			RateLimitWindow:      getDurationEnv("SMTP_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitCount:       getIntEnv("SMTP_RATE_LIMIT_COUNT", 60),
			GracePeriod:          getDurationEnv("SMTP_GRACE_PERIOD", 10*time.Second),
			TLSCertFile:          getEnv("SMTP_TLS_CERT_FILE", ""),
			TLSKeyFile:           getEnv("SMTP_TLS_KEY_FILE", ""),
			TLSEnabled:           getBoolEnv("SMTP_TLS_ENABLED", false),
			TLSRequired:          getBoolEnv("SMTP_TLS_REQUIRED", false),
			AuthRequired:         getBoolEnv("SMTP_AUTH_REQUIRED", false),
			AllowPlainWithoutTLS: getBoolEnv("SMTP_ALLOW_PLAIN_WITHOUT_TLS", false),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			Output:    getEnv("LOG_OUTPUT", "stdout"),
			AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
		},
	}
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv treats the raw value as a count of minutes, matching the
// convention the rest of this config layer has always used regardless of
// the key's name.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated environment variable into a slice.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
