package config

import (
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:        AppConfig{Env: env, Port: 8080},
		DB:         DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis:      RedisConfig{Host: "localhost", Port: 6379},
		Auth:       AuthConfig{JWTSecret: "secret", JWTIssuer: "calls", JWTAudience: "ops"},
		AudioTasks: AudioTasksConfig{BaseURL: "http://tasks.internal"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Pipeline.ReconcileWindow != 120*time.Second {
		t.Fatalf("expected 120s reconcile window, got %v", c.Pipeline.ReconcileWindow)
	}
	if c.Pipeline.JobMaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", c.Pipeline.JobMaxAttempts)
	}
	if c.Pipeline.MinRecordingSeconds != 5 {
		t.Fatalf("expected 5s minimum recording, got %d", c.Pipeline.MinRecordingSeconds)
	}
	if c.Scheduler.Queue != "pipeline" {
		t.Fatalf("expected default queue, got %q", c.Scheduler.Queue)
	}
}

func TestValidate_GraceShorterThanWindow(t *testing.T) {
	c := validConfig("dev")
	c.Pipeline.ReconcileWindow = 10 * time.Minute
	c.Pipeline.ReconcileGrace = time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when grace is shorter than window")
	}
}

func TestValidate_StorageRequiresBucketAndKeys(t *testing.T) {
	c := validConfig("dev")
	c.Storage.Endpoint = "minio:9000"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected storage error")
	}
	c.Storage.Bucket = "recordings"
	c.Storage.AccessKey = "a"
	c.Storage.SecretKey = "b"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "calls")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("AUDIO_TASKS_BASE_URL", "http://tasks")
	t.Setenv("RECONCILE_WINDOW", "90s")
	t.Setenv("RESUME_FROM_CHECKPOINT", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Pipeline.ReconcileWindow != 90*time.Second {
		t.Fatalf("expected 90s window, got %v", c.Pipeline.ReconcileWindow)
	}
	if !c.Pipeline.ResumeFromCheckpoint {
		t.Fatalf("expected resume flag")
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "calls")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("AUDIO_TASKS_BASE_URL", "http://tasks")
	t.Setenv("RECONCILE_WINDOW", "two minutes")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate_ProviderTimezone(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.Pipeline.ProviderLocation().String(); got != "Asia/Kolkata" {
		t.Fatalf("expected Asia/Kolkata default, got %q", got)
	}

	c = validConfig("local")
	c.Pipeline.ProviderTimezone = "Mars/Olympus"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
