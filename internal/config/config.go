package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with CONFIG_PATH.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML and the environment.
type FileConfig struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Broker. Empty RedisAddr runs every summary inline. RedisURL carries the
	// username, database index and TLS scheme; RedisAddr/RedisPassword override it.
	RedisURL               string `yaml:"redisURL"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	RedisProbeSeconds      int    `yaml:"redisProbeSeconds"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxAttempts       int    `yaml:"queueMaxAttempts"`
	QueueJobTTLSeconds     int    `yaml:"queueJobTtlSeconds"`
	QueueJobTimeoutSeconds int    `yaml:"queueJobTimeoutSeconds"`
	ForceSyncSummary       bool   `yaml:"forceSyncSummary"`
	// SharedSessions keeps the session registry in Redis for multi-instance deployments.
	SharedSessions bool `yaml:"sharedSessions"`

	// Managed document database. Empty disables the backend.
	DatabaseURL string `yaml:"databaseURL"`

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`

	Generation GenerationConfig `yaml:"generation"`

	SessionStorageFile   string `yaml:"sessionStorageFile"`
	SummaryStorageFile   string `yaml:"summaryStorageFile"`
	LearningProgressFile string `yaml:"learningProgressFile"`
	LogsDir              string `yaml:"logsDir"`
	PromptsDir           string `yaml:"promptsDir"`

	JWTSecret           string            `yaml:"jwtSecret"`
	SessionTTLMinutes   int               `yaml:"sessionTtlMinutes"`
	TeacherPasswordHash map[string]string `yaml:"teacherPasswordHashes"`

	SummaryRateLimitPerMinute int      `yaml:"summaryRateLimitPerMinute"`
	LoginRateLimitPerMinute   int      `yaml:"loginRateLimitPerMinute"`
	SerializeProgressUpdates  bool     `yaml:"serializeProgressUpdates"`
	TrustedProxies            []string `yaml:"trustedProxies"`
	CORSOrigins               []string `yaml:"corsOrigins"`
}

// ObjectStoreConfig selects and configures the object store backend.
type ObjectStoreConfig struct {
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled reports whether an object store is configured.
func (o ObjectStoreConfig) Enabled() bool {
	return strings.TrimSpace(o.Bucket) != ""
}

// GenerationConfig configures the LLM provider and the retrying client.
type GenerationConfig struct {
	Provider          string `yaml:"provider"`
	BaseURL           string `yaml:"baseURL"`
	APIKey            string `yaml:"apiKey"`
	Model             string `yaml:"model"`
	Concurrency       int    `yaml:"concurrency"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds"`
}

// Path returns the config file location.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and defaults, and validates the result. A missing file is not an
// error: the environment alone can configure the service.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.RedisURL, "REDIS_URL")
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("config: REDIS_URL: %w", err)
		}
		cfg.RedisAddr = opts.Addr
		cfg.RedisPassword = opts.Password
	}
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "SUMMARY_QUEUE_NAME")
	setString(&cfg.QueueGroup, "SUMMARY_QUEUE_GROUP")
	setInt(&cfg.QueueConcurrency, "SUMMARY_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxAttempts, "SUMMARY_QUEUE_MAX_ATTEMPTS")
	setInt(&cfg.QueueJobTimeoutSeconds, "SUMMARY_JOB_TIMEOUT_SECONDS")
	setBool(&cfg.ForceSyncSummary, "FORCE_SYNC_SUMMARY")
	setBool(&cfg.SharedSessions, "SHARED_SESSIONS")

	setString(&cfg.DatabaseURL, "DATABASE_URL")

	setString(&cfg.ObjectStore.Provider, "OBJECT_STORE_PROVIDER")
	setString(&cfg.ObjectStore.Endpoint, "OBJECT_STORE_ENDPOINT")
	setString(&cfg.ObjectStore.Region, "OBJECT_STORE_REGION")
	setString(&cfg.ObjectStore.AccessKey, "OBJECT_STORE_ACCESS_KEY")
	setString(&cfg.ObjectStore.SecretKey, "OBJECT_STORE_SECRET_KEY")
	setString(&cfg.ObjectStore.Bucket, "OBJECT_STORE_BUCKET")
	setBool(&cfg.ObjectStore.UseSSL, "OBJECT_STORE_USE_SSL")

	setString(&cfg.Generation.Provider, "GENERATION_PROVIDER")
	setString(&cfg.Generation.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Generation.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Generation.Model, "OPENAI_MODEL")
	setInt(&cfg.Generation.Concurrency, "OPENAI_CONCURRENT_LIMIT")
	setInt(&cfg.Generation.MaxRetries, "OPENAI_MAX_RETRIES")
	setInt(&cfg.Generation.RetryDelaySeconds, "OPENAI_RETRY_DELAY_SECONDS")
	setInt(&cfg.Generation.TimeoutSeconds, "OPENAI_API_TIMEOUT")

	setString(&cfg.SessionStorageFile, "SESSION_STORAGE_FILE")
	setString(&cfg.SummaryStorageFile, "SUMMARY_STORAGE_FILE")
	setString(&cfg.LearningProgressFile, "LEARNING_PROGRESS_FILE")
	setString(&cfg.LogsDir, "LOGS_DIR")
	setString(&cfg.PromptsDir, "PROMPTS_DIR")

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setInt(&cfg.SessionTTLMinutes, "SESSION_TTL_MINUTES")
	if v := strings.TrimSpace(os.Getenv("TEACHER_PASSWORD_HASHES")); v != "" {
		hashes, err := parseTeacherHashes(v)
		if err != nil {
			return err
		}
		cfg.TeacherPasswordHash = hashes
	}
	setInt(&cfg.SummaryRateLimitPerMinute, "SUMMARY_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "LOGIN_RATE_LIMIT_PER_MINUTE")
	setBool(&cfg.SerializeProgressUpdates, "SERIALIZE_PROGRESS_UPDATES")
	setList(&cfg.TrustedProxies, "TRUSTED_PROXIES")
	setList(&cfg.CORSOrigins, "CORS_ORIGINS")
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.RedisProbeSeconds <= 0 {
		cfg.RedisProbeSeconds = 3
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "sciencebuddy:summary"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "summary-workers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueJobTimeoutSeconds <= 0 {
		cfg.QueueJobTimeoutSeconds = 600
	}
	if cfg.QueueJobTTLSeconds <= 0 {
		cfg.QueueJobTTLSeconds = 86400
	}
	if cfg.ObjectStore.Provider == "" {
		cfg.ObjectStore.Provider = "minio"
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "openai"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.Concurrency <= 0 {
		cfg.Generation.Concurrency = 3
	}
	if cfg.Generation.MaxRetries <= 0 {
		cfg.Generation.MaxRetries = 5
	}
	if cfg.Generation.RetryDelaySeconds <= 0 {
		cfg.Generation.RetryDelaySeconds = 3
	}
	if cfg.Generation.TimeoutSeconds <= 0 {
		cfg.Generation.TimeoutSeconds = 60
	}
	if cfg.SessionStorageFile == "" {
		cfg.SessionStorageFile = "session_storage.json"
	}
	if cfg.SummaryStorageFile == "" {
		cfg.SummaryStorageFile = "summary_storage.json"
	}
	if cfg.LearningProgressFile == "" {
		cfg.LearningProgressFile = "learning_progress.json"
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}
	if cfg.PromptsDir == "" {
		cfg.PromptsDir = "prompts"
	}
	if cfg.SessionTTLMinutes <= 0 {
		cfg.SessionTTLMinutes = 12 * 60
	}
	if cfg.SummaryRateLimitPerMinute <= 0 {
		cfg.SummaryRateLimitPerMinute = 6
	}
	if cfg.LoginRateLimitPerMinute <= 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters (set in config.yaml or JWT_SECRET)")
	}
	switch cfg.ObjectStore.Provider {
	case "minio", "s3":
	default:
		return fmt.Errorf("config: objectStore.provider must be minio or s3, got %q", cfg.ObjectStore.Provider)
	}
	switch cfg.Generation.Provider {
	case "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("config: generation.provider must be openai, gemini or ollama, got %q", cfg.Generation.Provider)
	}
	if cfg.Generation.Provider == "gemini" && strings.TrimSpace(cfg.Generation.APIKey) == "" {
		return errors.New("config: generation.apiKey is required for gemini")
	}
	if cfg.SharedSessions && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: sharedSessions requires redisAddr (or REDIS_URL)")
	}
	for id, hash := range cfg.TeacherPasswordHash {
		if strings.TrimSpace(id) == "" || !strings.HasPrefix(hash, "$2") {
			return fmt.Errorf("config: teacher %q needs a bcrypt hash", id)
		}
	}
	return nil
}

// RedisOptions returns client options for the broker, or nil when none is
// configured.
func (c FileConfig) RedisOptions() (*redis.Options, error) {
	addr := strings.TrimSpace(c.RedisAddr)
	if addr == "" {
		return nil, nil
	}
	opts := &redis.Options{}
	if c.RedisURL != "" {
		parsed, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("config: REDIS_URL: %w", err)
		}
		opts = parsed
	}
	opts.Addr = addr
	if c.RedisPassword != "" {
		opts.Password = c.RedisPassword
	}
	return opts, nil
}

// Durations derived from the second-based fields.

func (c FileConfig) JobTimeout() time.Duration {
	return time.Duration(c.QueueJobTimeoutSeconds) * time.Second
}

func (c FileConfig) JobTTL() time.Duration {
	return time.Duration(c.QueueJobTTLSeconds) * time.Second
}

func (c FileConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.RedisProbeSeconds) * time.Second
}

func (c FileConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (g GenerationConfig) RetryDelay() time.Duration {
	return time.Duration(g.RetryDelaySeconds) * time.Second
}

func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// parseTeacherHashes reads "id:hash,id:hash".
func parseTeacherHashes(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("config: TEACHER_PASSWORD_HASHES entry %q must be id:hash", pair)
		}
		out[strings.TrimSpace(id)] = strings.TrimSpace(hash)
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setList(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
