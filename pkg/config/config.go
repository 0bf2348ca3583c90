package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Procurement ProcurementConfig
	Idempotency IdempotencyConfig
	Reports     ReportsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ProcurementConfig tunes the request workflow engine and its ledger policy.
type ProcurementConfig struct {
	// CostSigns maps cost type to +1 (credit) or -1 (debit). Pending product confirmation
	// for everything except refund.
	CostSigns            map[string]int
	AdminEmails          []string
	NotifyWorkers        int
	NotifyRetries        int
	NotifyRetryDelay     time.Duration
	ListCacheTTL         time.Duration
	EnforceMembership    bool
	EventStreamEnabled   bool
	EventStreamKeepAlive time.Duration
}

// IdempotencyConfig controls replay protection for transition endpoints.
type IdempotencyConfig struct {
	Enabled bool
	TTL     time.Duration
}

// ReportsConfig configures request report exports.
type ReportsConfig struct {
	Enabled         bool
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	CleanupInterval time.Duration
}

var costTypes = []string{"refund", "reimbursement", "funding", "cut"}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	signs := make(map[string]int, len(costTypes))
	for _, costType := range costTypes {
		key := "COST_SIGN_" + strings.ToUpper(costType)
		sign := v.GetInt(key)
		if sign != 1 && sign != -1 {
			return nil, fmt.Errorf("%s must be 1 or -1, got %d", key, sign)
		}
		signs[costType] = sign
	}

	cfg.Procurement = ProcurementConfig{
		CostSigns:            signs,
		AdminEmails:          splitAndTrim(v.GetString("PROCUREMENT_ADMIN_EMAILS")),
		NotifyWorkers:        v.GetInt("NOTIFY_WORKERS"),
		NotifyRetries:        v.GetInt("NOTIFY_RETRIES"),
		NotifyRetryDelay:     parseDuration(v.GetString("NOTIFY_RETRY_DELAY"), 2*time.Second),
		ListCacheTTL:         parseDuration(v.GetString("REQUEST_LIST_CACHE_TTL"), 30*time.Second),
		EnforceMembership:    v.GetBool("ENFORCE_PROJECT_MEMBERSHIP"),
		EventStreamEnabled:   v.GetBool("ENABLE_EVENT_STREAM"),
		EventStreamKeepAlive: parseDuration(v.GetString("EVENT_STREAM_KEEPALIVE"), 15*time.Second),
	}

	cfg.Idempotency = IdempotencyConfig{
		Enabled: v.GetBool("ENABLE_IDEMPOTENCY"),
		TTL:     parseDuration(v.GetString("IDEMPOTENCY_TTL"), 10*time.Minute),
	}

	cfg.Reports = ReportsConfig{
		Enabled:         v.GetBool("ENABLE_REPORTS"),
		StorageDir:      v.GetString("REPORTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("REPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("REPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		CleanupInterval: parseDuration(v.GetString("REPORTS_CLEANUP_INTERVAL"), time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "procurement")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("COST_SIGN_REFUND", 1)
	v.SetDefault("COST_SIGN_REIMBURSEMENT", -1)
	v.SetDefault("COST_SIGN_FUNDING", -1)
	v.SetDefault("COST_SIGN_CUT", -1)
	v.SetDefault("PROCUREMENT_ADMIN_EMAILS", "")
	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("NOTIFY_RETRIES", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", "2s")
	v.SetDefault("REQUEST_LIST_CACHE_TTL", "30s")
	v.SetDefault("ENFORCE_PROJECT_MEMBERSHIP", true)
	v.SetDefault("ENABLE_EVENT_STREAM", true)
	v.SetDefault("EVENT_STREAM_KEEPALIVE", "15s")

	v.SetDefault("ENABLE_IDEMPOTENCY", true)
	v.SetDefault("IDEMPOTENCY_TTL", "10m")

	v.SetDefault("ENABLE_REPORTS", true)
	v.SetDefault("REPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("REPORTS_SIGNED_URL_SECRET", "dev_reports_secret")
	v.SetDefault("REPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("REPORTS_CLEANUP_INTERVAL", "1h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
