package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Storage drivers.
const (
	StorageDriverLocal = "local"
	StorageDriverS3    = "s3"
)

// Notifier drivers.
const (
	NotifierDriverLog  = "log"
	NotifierDriverSMTP = "smtp"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string
	BaseURL   string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Storage       StorageConfig
	Extraction    ExtractionConfig
	Notifications NotificationConfig
	Locking       LockingConfig
	RateLimit     RateLimitConfig
	Workflow      WorkflowConfig
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

// StorageConfig selects and tunes the document storage driver.
type StorageConfig struct {
	Driver          string
	LocalDir        string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	MaxFileSize     int64
	AllowedMIMEs    []string
	UploadTimeout   time.Duration
	UploadRetries   int
	S3Bucket        string
	S3Region        string
	S3Prefix        string
	S3PublicBaseURL string
	S3Endpoint      string
}

// ExtractionConfig points at the external policy field extraction service.
type ExtractionConfig struct {
	Enabled bool
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// NotificationConfig bounds delivery attempts and chooses the outbound channel.
type NotificationConfig struct {
	Driver            string
	From              string
	SMTPHost          string
	SMTPPort          int
	SMTPUser          string
	SMTPPassword      string
	DeliveryTimeout   time.Duration
	DeliveryRetries   int
	RetryDelay        time.Duration
	Async             bool
	WorkerConcurrency int
	ManualAdminEmails []string
	PortalURL         string
}

// LockingConfig tunes the per-record lock.
type LockingConfig struct {
	TTL time.Duration
}

// RateLimitConfig caps requests per client. Uploads and signatures get their own, tighter budget.
type RateLimitConfig struct {
	Enabled        bool
	Window         time.Duration
	APIRequests    int
	UploadRequests int
}

// WorkflowConfig carries program-level policy requirements.
type WorkflowConfig struct {
	RequireWC         bool
	RequireAuto       bool
	ReuseCacheTTL     time.Duration
	DefaultBrokerMode string
}

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
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.BaseURL = strings.TrimRight(v.GetString("BASE_URL"), "/")

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
		Enabled:  v.GetBool("REDIS_ENABLED"),
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

	maxFileSize := v.GetInt64("STORAGE_MAX_FILE_SIZE")
	if maxFileSize <= 0 {
		maxFileSize = 50 * 1024 * 1024
	}
	cfg.Storage = StorageConfig{
		Driver:          strings.ToLower(v.GetString("STORAGE_DRIVER")),
		LocalDir:        v.GetString("STORAGE_LOCAL_DIR"),
		SignedURLSecret: v.GetString("STORAGE_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("STORAGE_SIGNED_URL_TTL"), 30*24*time.Hour),
		MaxFileSize:     maxFileSize,
		AllowedMIMEs:    splitAndTrim(v.GetString("STORAGE_ALLOWED_MIME_TYPES")),
		UploadTimeout:   parseDuration(v.GetString("STORAGE_UPLOAD_TIMEOUT"), 30*time.Second),
		UploadRetries:   v.GetInt("STORAGE_UPLOAD_RETRIES"),
		S3Bucket:        v.GetString("S3_BUCKET"),
		S3Region:        v.GetString("S3_REGION"),
		S3Prefix:        v.GetString("S3_PREFIX"),
		S3PublicBaseURL: strings.TrimRight(v.GetString("S3_PUBLIC_BASE_URL"), "/"),
		S3Endpoint:      v.GetString("S3_ENDPOINT"),
	}

	cfg.Extraction = ExtractionConfig{
		Enabled: v.GetBool("ENABLE_EXTRACTION"),
		URL:     v.GetString("EXTRACTION_URL"),
		APIKey:  v.GetString("EXTRACTION_API_KEY"),
		Timeout: parseDuration(v.GetString("EXTRACTION_TIMEOUT"), 20*time.Second),
		Retries: v.GetInt("EXTRACTION_RETRIES"),
	}

	cfg.Notifications = NotificationConfig{
		Driver:            strings.ToLower(v.GetString("NOTIFIER_DRIVER")),
		From:              v.GetString("NOTIFY_FROM"),
		SMTPHost:          v.GetString("SMTP_HOST"),
		SMTPPort:          v.GetInt("SMTP_PORT"),
		SMTPUser:          v.GetString("SMTP_USER"),
		SMTPPassword:      v.GetString("SMTP_PASSWORD"),
		DeliveryTimeout:   parseDuration(v.GetString("NOTIFY_DELIVERY_TIMEOUT"), 10*time.Second),
		DeliveryRetries:   v.GetInt("NOTIFY_DELIVERY_RETRIES"),
		RetryDelay:        parseDuration(v.GetString("NOTIFY_RETRY_DELAY"), 500*time.Millisecond),
		Async:             v.GetBool("NOTIFY_ASYNC"),
		WorkerConcurrency: v.GetInt("NOTIFY_WORKER_CONCURRENCY"),
		ManualAdminEmails: splitAndTrim(v.GetString("NOTIFY_MANUAL_ADMIN_EMAILS")),
		PortalURL:         strings.TrimRight(v.GetString("PORTAL_URL"), "/"),
	}

	cfg.Locking = LockingConfig{
		TTL: parseDuration(v.GetString("RECORD_LOCK_TTL"), 15*time.Second),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:        v.GetBool("RATE_LIMIT_ENABLED"),
		Window:         parseDuration(v.GetString("RATE_LIMIT_WINDOW"), time.Minute),
		APIRequests:    v.GetInt("RATE_LIMIT_API_REQUESTS"),
		UploadRequests: v.GetInt("RATE_LIMIT_UPLOAD_REQUESTS"),
	}

	cfg.Workflow = WorkflowConfig{
		RequireWC:         v.GetBool("PROGRAM_REQUIRE_WC"),
		RequireAuto:       v.GetBool("PROGRAM_REQUIRE_AUTO"),
		ReuseCacheTTL:     parseDuration(v.GetString("REUSE_CACHE_TTL"), 10*time.Minute),
		DefaultBrokerMode: strings.ToLower(v.GetString("DEFAULT_BROKER_MODE")),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("BASE_URL", "http://localhost:8080")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "coi_compliance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", true)
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

	v.SetDefault("STORAGE_DRIVER", StorageDriverLocal)
	v.SetDefault("STORAGE_LOCAL_DIR", "./uploads")
	v.SetDefault("STORAGE_SIGNED_URL_SECRET", "dev_documents_secret")
	v.SetDefault("STORAGE_SIGNED_URL_TTL", "720h")
	v.SetDefault("STORAGE_MAX_FILE_SIZE", 50*1024*1024)
	v.SetDefault("STORAGE_ALLOWED_MIME_TYPES", "application/pdf,image/png,image/jpeg,image/gif,application/msword,application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	v.SetDefault("STORAGE_UPLOAD_TIMEOUT", "30s")
	v.SetDefault("STORAGE_UPLOAD_RETRIES", 2)
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PREFIX", "coi")
	v.SetDefault("S3_PUBLIC_BASE_URL", "")
	v.SetDefault("S3_ENDPOINT", "")

	v.SetDefault("ENABLE_EXTRACTION", false)
	v.SetDefault("EXTRACTION_URL", "")
	v.SetDefault("EXTRACTION_API_KEY", "")
	v.SetDefault("EXTRACTION_TIMEOUT", "20s")
	v.SetDefault("EXTRACTION_RETRIES", 1)

	v.SetDefault("NOTIFIER_DRIVER", NotifierDriverLog)
	v.SetDefault("NOTIFY_FROM", "no-reply@compliance.local")
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("NOTIFY_DELIVERY_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_DELIVERY_RETRIES", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", "500ms")
	v.SetDefault("NOTIFY_ASYNC", false)
	v.SetDefault("NOTIFY_WORKER_CONCURRENCY", 2)
	v.SetDefault("NOTIFY_MANUAL_ADMIN_EMAILS", "")
	v.SetDefault("PORTAL_URL", "http://localhost:5173")

	v.SetDefault("RECORD_LOCK_TTL", "15s")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_API_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_UPLOAD_REQUESTS", 10)

	v.SetDefault("PROGRAM_REQUIRE_WC", false)
	v.SetDefault("PROGRAM_REQUIRE_AUTO", false)
	v.SetDefault("REUSE_CACHE_TTL", "10m")
	v.SetDefault("DEFAULT_BROKER_MODE", "single")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
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
