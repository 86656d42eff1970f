// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MinPollFloor is the lowest polling interval the service accepts
const MinPollFloor = time.Minute

// ErrPollIntervalTooShort is returned for polling intervals under the floor
var ErrPollIntervalTooShort = errors.New("poll interval below minimum")

// BrowserMode selects how browsers are launched
type BrowserMode string

const (
	BrowserLocal  BrowserMode = "local"
	BrowserDocker BrowserMode = "docker"
)

// Config holds every tunable of the service
type Config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	DataDir   string `envconfig:"DATA_DIR" default:"./data"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	BrowserMode     BrowserMode   `envconfig:"BROWSER_MODE" default:"local"`
	BrowserHeadless bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	DockerImage     string        `envconfig:"DOCKER_IMAGE" default:"browserless/chrome:latest"`
	NavTimeout      time.Duration `envconfig:"NAV_TIMEOUT" default:"30s"`
	ActionTimeout   time.Duration `envconfig:"ACTION_TIMEOUT" default:"10s"`

	AnalysisModel   string        `envconfig:"ANALYSIS_MODEL" default:"gpt-4o"`
	AnalysisBaseURL string        `envconfig:"ANALYSIS_BASE_URL"`
	AnalysisAPIKey  string        `envconfig:"ANALYSIS_API_KEY"`
	AnalysisTimeout time.Duration `envconfig:"ANALYSIS_TIMEOUT" default:"120s"`

	DiffThreshold   float64       `envconfig:"DIFF_THRESHOLD" default:"0.005"`
	MinPollInterval time.Duration `envconfig:"MIN_POLL_INTERVAL" default:"1m"`
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"10"`

	CrawlDelay       time.Duration `envconfig:"CRAWL_DELAY" default:"500ms"`
	CrawlConcurrency int           `envconfig:"CRAWL_CONCURRENCY" default:"2"`
	CrawlMaxPages    int           `envconfig:"CRAWL_MAX_PAGES" default:"50"`

	AllowPrivateTargets bool `envconfig:"ALLOW_PRIVATE_TARGETS" default:"false"`

	RateLimitPerHour int `envconfig:"RATE_LIMIT_PER_HOUR" default:"100"`
	RateLimitBurst   int `envconfig:"RATE_LIMIT_BURST" default:"10"`

	// TrustProxy keys rate limits on X-Forwarded-For; only set it behind a
	// proxy that overwrites the header
	TrustProxy bool `envconfig:"TRUST_PROXY" default:"false"`
}

// Load reads .env (when present) and then the VIZ_ prefixed environment
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("viz", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.MinPollInterval < MinPollFloor {
		return fmt.Errorf("%w: MIN_POLL_INTERVAL %s is below %s", ErrPollIntervalTooShort, c.MinPollInterval, MinPollFloor)
	}
	if c.DiffThreshold <= 0 || c.DiffThreshold >= 1 {
		return fmt.Errorf("DIFF_THRESHOLD must be between 0 and 1, got %v", c.DiffThreshold)
	}
	switch c.BrowserMode {
	case BrowserLocal, BrowserDocker:
	default:
		return fmt.Errorf("unknown BROWSER_MODE %q", c.BrowserMode)
	}
	if c.MaxSessions <= 0 {
		return errors.New("MAX_SESSIONS must be greater than 0")
	}
	if c.CrawlConcurrency <= 0 {
		return errors.New("CRAWL_CONCURRENCY must be greater than 0")
	}
	if c.CrawlMaxPages <= 0 {
		return errors.New("CRAWL_MAX_PAGES must be greater than 0")
	}
	if c.CrawlDelay < 0 {
		return errors.New("CRAWL_DELAY must not be negative")
	}
	if c.NavTimeout <= 0 || c.ActionTimeout <= 0 || c.AnalysisTimeout <= 0 {
		return errors.New("timeouts must be greater than 0")
	}
	if c.RateLimitPerHour <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("rate limits must be greater than 0")
	}
	return nil
}

// CheckPollInterval validates a requested polling interval against the
// configured minimum
func (c *Config) CheckPollInterval(d time.Duration) error {
	if d < c.MinPollInterval {
		return fmt.Errorf("%w: %s is below %s", ErrPollIntervalTooShort, d, c.MinPollInterval)
	}
	return nil
}
