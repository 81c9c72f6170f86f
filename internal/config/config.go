package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Worker     WorkerConfig     `yaml:"worker" envPrefix:"WORKER_"`
	Limits     LimitsConfig     `yaml:"limits" envPrefix:"LIMITS_"`
	Identities IdentitiesConfig `yaml:"identities" envPrefix:"IDENTITIES_"`
	Notify     NotifyConfig     `yaml:"notify" envPrefix:"NOTIFY_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// PublicURL is how the worker reaches this service for completion callbacks.
	PublicURL string     `yaml:"publicURL" env:"PUBLIC_URL"`
	Cors      CorsConfig `yaml:"cors" envPrefix:"CORS_"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" env:"ALLOW_ORIGINS"`
	AllowCredentials bool     `yaml:"allowCredentials" env:"ALLOW_CREDENTIALS"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath" env:"SQLITE_PATH"`
}

type CompletionMode string

const (
	CompletionCallback CompletionMode = "callback"
	CompletionPoll     CompletionMode = "poll"
)

type WorkerConfig struct {
	BaseURL          string         `yaml:"baseURL" env:"BASE_URL"`
	TimeoutMs        int            `yaml:"timeoutMs" env:"TIMEOUT_MS"`
	Retry            RetryConfig    `yaml:"retry" envPrefix:"RETRY_"`
	HealthIntervalMs int            `yaml:"healthIntervalMs" env:"HEALTH_INTERVAL_MS"`
	HealthTimeoutMs  int            `yaml:"healthTimeoutMs" env:"HEALTH_TIMEOUT_MS"`
	FailureThreshold int            `yaml:"failureThreshold" env:"FAILURE_THRESHOLD"`
	Completion       CompletionMode `yaml:"completion" env:"COMPLETION"`
	PollIntervalMs   int            `yaml:"pollIntervalMs" env:"POLL_INTERVAL_MS"`
}

type RetryConfig struct {
	Count     int `yaml:"count" env:"COUNT"`
	WaitMs    int `yaml:"waitMs" env:"WAIT_MS"`
	MaxWaitMs int `yaml:"maxWaitMs" env:"MAX_WAIT_MS"`
}

type LimitsConfig struct {
	// LaunchQPS caps session starts across all campaigns; 0 disables the cap.
	LaunchQPS   float64 `yaml:"launchQPS" env:"LAUNCH_QPS"`
	LaunchBurst int     `yaml:"launchBurst" env:"LAUNCH_BURST"`
	// MaxConcurrentCap is the largest maxConcurrentSessions a campaign may ask for.
	MaxConcurrentCap int `yaml:"maxConcurrentCap" env:"MAX_CONCURRENT_CAP"`
	SessionTimeoutMs int `yaml:"sessionTimeoutMs" env:"SESSION_TIMEOUT_MS"`
	DrainTimeoutMs   int `yaml:"drainTimeoutMs" env:"DRAIN_TIMEOUT_MS"`
	ActivityCapacity int `yaml:"activityCapacity" env:"ACTIVITY_CAPACITY"`
	// RetainStopped is how many stopped campaigns stay in memory; older ones
	// are served from the store.
	RetainStopped int `yaml:"retainStopped" env:"RETAIN_STOPPED"`
}

type IdentitiesConfig struct {
	Proxies      []string `yaml:"proxies" env:"PROXIES"`
	Fingerprints []string `yaml:"fingerprints" env:"FINGERPRINTS"`
	PoolSize     int      `yaml:"poolSize" env:"POOL_SIZE"`
}

type NotifyConfig struct {
	// SummaryWindowMs batches campaign-stopped mails that land close together;
	// 0 sends each one on its own.
	SummaryWindowMs int `yaml:"summaryWindowMs" env:"SUMMARY_WINDOW_MS"`
	MaxBatch        int `yaml:"maxBatch" env:"MAX_BATCH"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

func (c WorkerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c WorkerConfig) HealthInterval() time.Duration {
	if c.HealthIntervalMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

func (c WorkerConfig) HealthTimeout() time.Duration {
	if c.HealthTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.HealthTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c RetryConfig) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c RetryConfig) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func (c NotifyConfig) SummaryWindow() time.Duration {
	if c.SummaryWindowMs <= 0 {
		return 0
	}
	return time.Duration(c.SummaryWindowMs) * time.Millisecond
}

// SessionTimeout of zero means sessions wait for the worker forever.
func (c LimitsConfig) SessionTimeout() time.Duration {
	if c.SessionTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// DrainTimeout of zero means StopCampaign waits for every session.
func (c LimitsConfig) DrainTimeout() time.Duration {
	if c.DrainTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// CallbackURL is the base the worker posts completions to, or "" when
// completions are polled.
func (c Config) CallbackURL() string {
	if c.Worker.Completion != CompletionCallback {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/api/v1/worker"
}

// Load reads the yaml file, then lets ORCH_* environment variables override it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "ORCH_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://127.0.0.1" + c.Server.Addr
		if !strings.HasPrefix(c.Server.Addr, ":") {
			c.Server.PublicURL = "http://" + c.Server.Addr
		}
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/orchestrator.db"
	}
	if c.Worker.BaseURL == "" {
		c.Worker.BaseURL = "http://127.0.0.1:8080"
	}
	if c.Worker.Completion == "" {
		c.Worker.Completion = CompletionCallback
	}
	if c.Worker.FailureThreshold <= 0 {
		c.Worker.FailureThreshold = 2
	}
	if c.Worker.Retry.Count < 0 {
		c.Worker.Retry.Count = 0
	}
	if c.Limits.LaunchBurst <= 0 {
		c.Limits.LaunchBurst = 1
	}
	if c.Limits.MaxConcurrentCap <= 0 {
		c.Limits.MaxConcurrentCap = 5
	}
	if c.Limits.ActivityCapacity <= 0 {
		c.Limits.ActivityCapacity = 20
	}
	if c.Limits.RetainStopped <= 0 {
		c.Limits.RetainStopped = 50
	}
	if c.Identities.PoolSize < 0 {
		c.Identities.PoolSize = 0
	}
	if c.Notify.MaxBatch <= 0 {
		c.Notify.MaxBatch = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Worker.BaseURL == "" {
		return errors.New("worker.baseURL is required")
	}
	if _, err := url.Parse(c.Worker.BaseURL); err != nil {
		return fmt.Errorf("worker.baseURL: %w", err)
	}
	switch c.Worker.Completion {
	case CompletionCallback, CompletionPoll:
	default:
		return fmt.Errorf("worker.completion must be %q or %q", CompletionCallback, CompletionPoll)
	}
	if c.Limits.LaunchQPS < 0 {
		return errors.New("limits.launchQPS must be >= 0")
	}
	return nil
}
