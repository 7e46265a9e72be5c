package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-config"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://:s3cret@redis.internal:6380/0")
	t.Setenv("OPENAI_CONCURRENT_LIMIT", "5")
	t.Setenv("OPENAI_API_TIMEOUT", "90")
	t.Setenv("FORCE_SYNC_SUMMARY", "yes")
	t.Setenv("LEARNING_PROGRESS_FILE", "/data/progress.json")
	t.Setenv("TEACHER_PASSWORD_HASHES", "t1:$2a$10$abcdefghijklmnopqrstuv, t2:$2a$10$zyxwvutsrqponmlkjihgfe")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	path := writeConfig(t, `
port: "9000"
jwtSecret: "`+testSecret+`"
generation:
  concurrency: 2
  model: "gpt-4o"
objectStore:
  provider: "s3"
  bucket: "science-buddy"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" || cfg.RedisPassword != "s3cret" {
		t.Fatalf("redis = %q/%q", cfg.RedisAddr, cfg.RedisPassword)
	}
	if cfg.Generation.Concurrency != 5 {
		t.Fatalf("concurrency = %d, want 5", cfg.Generation.Concurrency)
	}
	if cfg.Generation.Timeout() != 90*time.Second {
		t.Fatalf("timeout = %s", cfg.Generation.Timeout())
	}
	if cfg.Generation.Model != "gpt-4o" {
		t.Fatalf("model = %q", cfg.Generation.Model)
	}
	if !cfg.ForceSyncSummary {
		t.Fatalf("forceSyncSummary = false")
	}
	if cfg.LearningProgressFile != "/data/progress.json" {
		t.Fatalf("progress file = %q", cfg.LearningProgressFile)
	}
	if len(cfg.TeacherPasswordHash) != 2 || !strings.HasPrefix(cfg.TeacherPasswordHash["t2"], "$2a$") {
		t.Fatalf("teacher hashes = %v", cfg.TeacherPasswordHash)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors = %v", cfg.CORSOrigins)
	}
	if !cfg.ObjectStore.Enabled() || cfg.ObjectStore.Provider != "s3" {
		t.Fatalf("object store = %+v", cfg.ObjectStore)
	}
}

func TestRedisURLKeepsTLSUserAndDB(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("REDIS_URL", "rediss://u:p@h:6380/3")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("redis options: %v", err)
	}
	if opts == nil {
		t.Fatalf("expected redis options")
	}
	if opts.Addr != "h:6380" || opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("options = %s %q/%q", opts.Addr, opts.Username, opts.Password)
	}
	if opts.DB != 3 {
		t.Fatalf("db = %d, want 3", opts.DB)
	}
	if opts.TLSConfig == nil {
		t.Fatalf("rediss scheme should enable TLS")
	}

	t.Setenv("REDIS_PASSWORD", "override")
	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts, err = cfg.RedisOptions()
	if err != nil {
		t.Fatalf("redis options: %v", err)
	}
	if opts.Password != "override" || opts.DB != 3 {
		t.Fatalf("override lost url settings: %q db=%d", opts.Password, opts.DB)
	}
}

func TestRedisOptionsNilWithoutBroker(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts, err := cfg.RedisOptions()
	if err != nil || opts != nil {
		t.Fatalf("expected no options, got %+v err=%v", opts, err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8080" || cfg.Generation.MaxRetries != 5 || cfg.Generation.RetryDelay() != 3*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Generation.Concurrency != 3 || cfg.JobTimeout() != 600*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.SessionStorageFile != "session_storage.json" || cfg.ObjectStore.Enabled() {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	base := FileConfig{JWTSecret: testSecret}
	applyDefaults(&base)

	cases := map[string]func(*FileConfig){
		"short secret":       func(c *FileConfig) { c.JWTSecret = "short" },
		"unknown provider":   func(c *FileConfig) { c.Generation.Provider = "bard" },
		"gemini without key": func(c *FileConfig) { c.Generation.Provider = "gemini" },
		"bad object store":   func(c *FileConfig) { c.ObjectStore.Provider = "gcs" },
		"shared sessions":    func(c *FileConfig) { c.SharedSessions = true },
		"plain password":     func(c *FileConfig) { c.TeacherPasswordHash = map[string]string{"t1": "hunter2"} },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "port: [")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
