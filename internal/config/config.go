package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the api and worker processes.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Pipeline   PipelineConfig
	AudioTasks AudioTasksConfig
	Storage    StorageConfig
	Scheduler  SchedulerConfig
	RateLimit  RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// PipelineConfig carries the reconciliation and retry parameters.
type PipelineConfig struct {
	ReconcileWindow time.Duration
	ReconcileGrace  time.Duration

	JobMaxAttempts       int
	DispatchMaxRetries   int
	DispatchInitialDelay time.Duration
	DispatchMaxDelay     time.Duration
	StageMaxInflight     int

	MinRecordingSeconds  int
	PhoneDefaultRegion   string
	ResumeFromCheckpoint bool
	JobRetention         time.Duration
	IngestConcurrency    int

	// ProviderTimezone locates the telephony provider's zone-less timestamps.
	ProviderTimezone string
}

type AudioTasksConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// StorageConfig is optional; recordings are referenced in place when Endpoint is empty.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type SchedulerConfig struct {
	Queue           string
	Concurrency     int
	SettleInterval  time.Duration
	MergeInterval   time.Duration
	CleanupInterval time.Duration
}

type RateLimitConfig struct {
	WebhookRPS   float64
	WebhookBurst int
}

func Load() (Config, error) {
	// .env is optional; real env always wins.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate = optionalBool("DB_AUTO_MIGRATE", &parseErrs)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optionalDuration("JWT_ACCESS_TTL", &parseErrs)
	c.Auth.RefreshTokenTTL = optionalDuration("JWT_REFRESH_TTL", &parseErrs)

	c.Pipeline.ReconcileWindow = optionalDuration("RECONCILE_WINDOW", &parseErrs)
	c.Pipeline.ReconcileGrace = optionalDuration("RECONCILE_GRACE", &parseErrs)
	c.Pipeline.JobMaxAttempts = optionalInt("JOB_MAX_ATTEMPTS", &parseErrs)
	c.Pipeline.DispatchMaxRetries = optionalInt("DISPATCH_MAX_RETRIES", &parseErrs)
	c.Pipeline.DispatchInitialDelay = optionalDuration("DISPATCH_INITIAL_BACKOFF", &parseErrs)
	c.Pipeline.DispatchMaxDelay = optionalDuration("DISPATCH_MAX_BACKOFF", &parseErrs)
	c.Pipeline.StageMaxInflight = optionalInt("STAGE_MAX_INFLIGHT", &parseErrs)
	c.Pipeline.MinRecordingSeconds = optionalInt("MIN_RECORDING_SECONDS", &parseErrs)
	c.Pipeline.PhoneDefaultRegion = strings.TrimSpace(os.Getenv("PHONE_DEFAULT_REGION"))
	c.Pipeline.ResumeFromCheckpoint = optionalBool("RESUME_FROM_CHECKPOINT", &parseErrs)
	c.Pipeline.JobRetention = optionalDuration("JOB_RETENTION", &parseErrs)
	c.Pipeline.IngestConcurrency = optionalInt("INGEST_CONCURRENCY", &parseErrs)
	c.Pipeline.ProviderTimezone = strings.TrimSpace(os.Getenv("PROVIDER_TIMEZONE"))

	c.AudioTasks.BaseURL = strings.TrimSpace(os.Getenv("AUDIO_TASKS_BASE_URL"))
	c.AudioTasks.APIKey = os.Getenv("AUDIO_TASKS_API_KEY")
	c.AudioTasks.RequestTimeout = optionalDuration("AUDIO_TASKS_TIMEOUT", &parseErrs)

	c.Storage.Endpoint = strings.TrimSpace(os.Getenv("STORAGE_ENDPOINT"))
	c.Storage.AccessKey = os.Getenv("STORAGE_ACCESS_KEY")
	c.Storage.SecretKey = os.Getenv("STORAGE_SECRET_KEY")
	c.Storage.Bucket = strings.TrimSpace(os.Getenv("STORAGE_BUCKET"))
	c.Storage.UseSSL = optionalBool("STORAGE_USE_SSL", &parseErrs)

	c.Scheduler.Queue = strings.TrimSpace(os.Getenv("ASYNQ_QUEUE"))
	c.Scheduler.Concurrency = optionalInt("ASYNQ_CONCURRENCY", &parseErrs)
	c.Scheduler.SettleInterval = optionalDuration("SETTLE_INTERVAL", &parseErrs)
	c.Scheduler.MergeInterval = optionalDuration("MERGE_INTERVAL", &parseErrs)
	c.Scheduler.CleanupInterval = optionalDuration("CLEANUP_INTERVAL", &parseErrs)

	c.RateLimit.WebhookRPS = optionalFloat("WEBHOOK_RPS", &parseErrs)
	c.RateLimit.WebhookBurst = optionalInt("WEBHOOK_BURST", &parseErrs)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.Pipeline.applyDefaults()...)

	if c.AudioTasks.BaseURL == "" {
		errs = append(errs, errors.New("AUDIO_TASKS_BASE_URL is required"))
	}
	if c.AudioTasks.RequestTimeout <= 0 {
		c.AudioTasks.RequestTimeout = 10 * time.Second
	}

	if c.Storage.Enabled() {
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required when STORAGE_ENDPOINT is set"))
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			errs = append(errs, errors.New("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_ENDPOINT is set"))
		}
	}

	if c.Scheduler.Queue == "" {
		c.Scheduler.Queue = "pipeline"
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 5
	}
	if c.Scheduler.SettleInterval <= 0 {
		c.Scheduler.SettleInterval = 5 * time.Minute
	}
	if c.Scheduler.MergeInterval <= 0 {
		c.Scheduler.MergeInterval = 10 * time.Minute
	}
	if c.Scheduler.CleanupInterval <= 0 {
		c.Scheduler.CleanupInterval = 24 * time.Hour
	}

	if c.RateLimit.WebhookRPS <= 0 {
		c.RateLimit.WebhookRPS = 50
	}
	if c.RateLimit.WebhookBurst <= 0 {
		c.RateLimit.WebhookBurst = 100
	}

	return joinErrors(errs)
}

func (p *PipelineConfig) applyDefaults() []error {
	var errs []error
	if p.ReconcileWindow <= 0 {
		p.ReconcileWindow = 120 * time.Second
	}
	if p.ReconcileGrace <= 0 {
		p.ReconcileGrace = 30 * time.Minute
	}
	if p.ReconcileGrace < p.ReconcileWindow {
		errs = append(errs, errors.New("RECONCILE_GRACE must not be shorter than RECONCILE_WINDOW"))
	}
	if p.JobMaxAttempts <= 0 {
		p.JobMaxAttempts = 3
	}
	if p.DispatchMaxRetries <= 0 {
		p.DispatchMaxRetries = 5
	}
	if p.DispatchInitialDelay <= 0 {
		p.DispatchInitialDelay = 500 * time.Millisecond
	}
	if p.DispatchMaxDelay <= 0 {
		p.DispatchMaxDelay = 30 * time.Second
	}
	if p.DispatchMaxDelay < p.DispatchInitialDelay {
		errs = append(errs, errors.New("DISPATCH_MAX_BACKOFF must not be shorter than DISPATCH_INITIAL_BACKOFF"))
	}
	if p.StageMaxInflight < 0 {
		errs = append(errs, fmt.Errorf("STAGE_MAX_INFLIGHT must be >= 0, got %d", p.StageMaxInflight))
	}
	if p.MinRecordingSeconds <= 0 {
		p.MinRecordingSeconds = 5
	}
	if p.PhoneDefaultRegion == "" {
		p.PhoneDefaultRegion = "IN"
	}
	if p.JobRetention <= 0 {
		p.JobRetention = 30 * 24 * time.Hour
	}
	if p.IngestConcurrency <= 0 {
		p.IngestConcurrency = 8
	}
	if p.ProviderTimezone == "" {
		p.ProviderTimezone = "Asia/Kolkata"
	}
	if _, err := time.LoadLocation(p.ProviderTimezone); err != nil {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEZONE: %w", err))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ProviderLocation resolves ProviderTimezone. Validate has already checked it.
func (p PipelineConfig) ProviderLocation() *time.Location {
	loc, err := time.LoadLocation(p.ProviderTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s StorageConfig) Enabled() bool {
	return s.Endpoint != ""
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func optionalFloat(key string, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return 0
	}
	return f
}

func optionalDuration(key string, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func optionalBool(key string, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return false
	}
	return b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
