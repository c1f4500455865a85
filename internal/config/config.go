// Package config loads relay settings from a .env file and the process
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BrowserMode selects where the shared browser runs
type BrowserMode string

const (
	BrowserLocal  BrowserMode = "local"
	BrowserDocker BrowserMode = "docker"
)

// Timeouts groups every wait the relay performs. Each is independently
// overridable; nothing is retried implicitly.
type Timeouts struct {
	Navigation   time.Duration
	Extended     time.Duration
	LoginWait    time.Duration
	SessionIdle  time.Duration
	StaleRequest time.Duration
	StaleSweep   time.Duration
	Drain        time.Duration
}

// Config holds all runtime settings
type Config struct {
	Port     int
	Headless bool

	Timeouts Timeouts

	ExecutablePath string
	UserDataDir    string
	ProfileArchive string
	BrowserMode    BrowserMode
	BrowserImage   string
	SiteBaseURL    string

	LoginEmail    string
	LoginPassword string

	MaxTabs            int
	StrictModelCheck   bool
	BoundInferenceWait bool
	RenewSessionsOnUse bool

	ExposeStack       bool
	RateLimitPerHour  int
	RateLimitBurst    int
	DebugProxyEnabled bool

	LogLevel  string
	LogFormat string
}

// Default returns the settings used when nothing is overridden
func Default() Config {
	return Config{
		Port:     3000,
		Headless: true,
		Timeouts: Timeouts{
			Navigation:   30 * time.Second,
			Extended:     120 * time.Second,
			LoginWait:    5 * time.Second,
			SessionIdle:  5 * time.Minute,
			StaleRequest: 5 * time.Minute,
			StaleSweep:   5 * time.Minute,
			Drain:        15 * time.Second,
		},
		UserDataDir:        "chrome-data",
		BrowserMode:        BrowserLocal,
		BrowserImage:       "browserless/chrome:latest",
		SiteBaseURL:        "https://venice.ai",
		MaxTabs:            8,
		BoundInferenceWait: true,
		RateLimitPerHour:   600,
		RateLimitBurst:     20,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads envFile (when present) into the environment and builds a Config.
// A missing env file is not an error; the bool reports whether one was read.
func Load(envFile string) (Config, bool, error) {
	loaded := false
	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			loaded = true
		} else if !os.IsNotExist(err) {
			return Config{}, false, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	cfg, err := FromEnv(os.LookupEnv)
	return cfg, loaded, err
}

// FromEnv builds a Config from a lookup function, starting from Default
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.Port = r.int("PORT", cfg.Port)
	cfg.Headless = r.bool("HEADLESS", cfg.Headless)

	// MAX_TIMEOUT is the historical name for the navigation timeout
	cfg.Timeouts.Navigation = r.millis("MAX_TIMEOUT", cfg.Timeouts.Navigation)
	cfg.Timeouts.Navigation = r.millis("NAVIGATION_TIMEOUT_MS", cfg.Timeouts.Navigation)
	cfg.Timeouts.Extended = r.millis("EXTENDED_TIMEOUT_MS", cfg.Timeouts.Extended)
	cfg.Timeouts.LoginWait = r.millis("LOGIN_WAIT_MS", cfg.Timeouts.LoginWait)
	cfg.Timeouts.SessionIdle = r.millis("SESSION_IDLE_MS", cfg.Timeouts.SessionIdle)
	cfg.Timeouts.StaleRequest = r.millis("STALE_REQUEST_MS", cfg.Timeouts.StaleRequest)
	cfg.Timeouts.StaleSweep = r.millis("STALE_SWEEP_MS", cfg.Timeouts.StaleSweep)
	cfg.Timeouts.Drain = r.millis("DRAIN_TIMEOUT_MS", cfg.Timeouts.Drain)

	cfg.ExecutablePath = r.string("EXECUTABLE_PATH", cfg.ExecutablePath)
	cfg.UserDataDir = r.string("USER_DATA_DIR", cfg.UserDataDir)
	cfg.ProfileArchive = r.string("PROFILE_ARCHIVE", cfg.ProfileArchive)
	cfg.BrowserMode = BrowserMode(strings.ToLower(r.string("BROWSER_MODE", string(cfg.BrowserMode))))
	cfg.BrowserImage = r.string("BROWSER_IMAGE", cfg.BrowserImage)
	cfg.SiteBaseURL = strings.TrimRight(r.string("SITE_BASE_URL", cfg.SiteBaseURL), "/")

	cfg.LoginEmail = r.string("LOGIN_EMAIL", cfg.LoginEmail)
	cfg.LoginPassword = r.string("LOGIN_PASSWORD", cfg.LoginPassword)

	cfg.MaxTabs = r.int("MAX_TABS", cfg.MaxTabs)
	cfg.StrictModelCheck = r.bool("STRICT_MODEL_CHECK", cfg.StrictModelCheck)
	cfg.BoundInferenceWait = r.bool("BOUND_INFERENCE_WAIT", cfg.BoundInferenceWait)
	cfg.RenewSessionsOnUse = r.bool("RENEW_SESSIONS_ON_USE", cfg.RenewSessionsOnUse)

	cfg.ExposeStack = r.bool("EXPOSE_STACK", cfg.ExposeStack)
	cfg.RateLimitPerHour = r.int("RATE_LIMIT_PER_HOUR", cfg.RateLimitPerHour)
	cfg.RateLimitBurst = r.int("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.DebugProxyEnabled = r.bool("DEBUG_PROXY", cfg.DebugProxyEnabled)

	cfg.LogLevel = r.string("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = r.string("LOG_FORMAT", cfg.LogFormat)

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail late
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxTabs < 1 {
		return fmt.Errorf("MAX_TABS must be at least 1, got %d", c.MaxTabs)
	}
	switch c.BrowserMode {
	case BrowserLocal, BrowserDocker:
	default:
		return fmt.Errorf("BROWSER_MODE must be %q or %q, got %q", BrowserLocal, BrowserDocker, c.BrowserMode)
	}
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"navigation":    t.Navigation,
		"extended":      t.Extended,
		"login wait":    t.LoginWait,
		"session idle":  t.SessionIdle,
		"stale request": t.StaleRequest,
		"stale sweep":   t.StaleSweep,
	} {
		if d <= 0 {
			return fmt.Errorf("%s timeout must be positive", name)
		}
	}
	return nil
}

// HasCredentials reports whether a login can be attempted
func (c Config) HasCredentials() bool {
	return c.LoginEmail != "" && c.LoginPassword != ""
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) string(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) millis(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
