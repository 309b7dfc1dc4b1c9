// Package config provides configuration management for GoBookingEngine.
// It supports JSON-based configuration loading with safe defaults tuned for
// release-window bursts against a single upstream host.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Duration wraps time.Duration so configuration files can use human-readable
// values such as "90s" or "2m".  Bare JSON numbers are interpreted as
// nanoseconds, matching time.Duration's default encoding.
type Duration time.Duration

// Std returns the wrapped value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string ("1m30s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a nanosecond count.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("config: bad duration value %v", v)
	}
}

// Config holds all tunable parameters for the booking engine.
// The struct is designed to be loaded once at startup and then shared across
// goroutines as a read-only value, making it inherently thread-safe after
// initialization. Fields cover HTTP transport tuning, scheduler windows,
// retry policy and the reporting channel.
type Config struct {
	// StatePath is the JSON document holding users, jobs and cookies.
	// Written atomically on every mutation and replayed at boot.
	StatePath string `json:"state_path"`

	// ArchiveDir receives HTML snapshots of pages the token extractor
	// could not parse, for offline diagnosis.
	ArchiveDir string `json:"archive_dir"`

	// Timezone is the IANA zone all deadlines are interpreted in.
	// The upstream park operates on WIB, so this defaults to Asia/Jakarta.
	Timezone string `json:"timezone"`

	// BaseURL is the upstream origin the engine books against.
	BaseURL string `json:"base_url"`

	// BotToken authenticates the Telegram reporting channel. Leave empty
	// to log outbound messages instead of delivering them.
	BotToken string `json:"bot_token"`

	// ListenAddr is the bind address of the local control API.
	ListenAddr string `json:"listen_addr"`

	// ProxyFile is the path to a newline-delimited file containing proxy
	// addresses (host:port or scheme://host:port). Leave empty to run
	// without proxies.
	ProxyFile string `json:"proxy_file"`

	// LogLevel selects verbosity: debug, info or error.
	LogLevel string `json:"log_level"`

	// BrowserProfile selects the browser identity presented upstream:
	// "mobile" (Android Edge) or "desktop" (Windows Chrome).
	BrowserProfile string `json:"browser_profile"`

	// Workers sizes the goroutine pool that runs timer callbacks.
	Workers int `json:"workers"`

	// UseHTTP2 negotiates h2 with a browser-equivalent fingerprint when
	// true; plain HTTP/1.1 otherwise.
	UseHTTP2 bool `json:"use_http2"`

	// PromoteCookieJobs runs the next job sharing a cookie set immediately
	// after a success, instead of waiting for its own deadline.
	PromoteCookieJobs bool `json:"promote_cookie_jobs"`

	// PrewarmLead is how long before the deadline connections are opened
	// and the session cache is primed.
	PrewarmLead Duration `json:"prewarm_lead"`

	// ViewLead and ViewTail bound the change-watch window around the
	// deadline: watching starts ViewLead before it and stops ViewTail
	// after it.
	ViewLead Duration `json:"view_lead"`
	ViewTail Duration `json:"view_tail"`

	// ViewBaseInterval and ViewCapInterval bound the jittered delay
	// between change-watch probes.
	ViewBaseInterval Duration `json:"view_base_interval"`
	ViewCapInterval  Duration `json:"view_cap_interval"`

	// PollInterval is the cadence of availability polling after a
	// sold-out result; PollMax caps the total polling span.
	PollInterval Duration `json:"poll_interval"`
	PollMax      Duration `json:"poll_max"`

	// PollNotifyEvery reports a still-unavailable status every N ticks.
	PollNotifyEvery int `json:"poll_notify_every"`

	// RetryAttempts, RetryBase and RetryCap shape the jittered retry
	// envelope around transient upstream failures.
	RetryAttempts int      `json:"retry_attempts"`
	RetryBase     Duration `json:"retry_base"`
	RetryCap      Duration `json:"retry_cap"`

	// SessionCacheTTL is how long a prewarmed session stays usable
	// before the deadline consumes it.
	SessionCacheTTL Duration `json:"session_cache_ttl"`

	// ReminderMinutes is the default lead for reminder messages when a
	// job does not set its own.
	ReminderMinutes int `json:"reminder_minutes"`

	// ReadTimeout is the end-to-end timeout for page fetches and probes,
	// including connection setup, TLS handshake and reading the body.
	ReadTimeout Duration `json:"read_timeout"`

	// SubmitTimeout is the longer timeout reserved for booking
	// submissions, which the upstream can hold open under load.
	SubmitTimeout Duration `json:"submit_timeout"`

	// MaxIdleConns is the total maximum number of idle (keep-alive)
	// connections across all hosts in the HTTP transport pool.
	MaxIdleConns int `json:"max_idle_conns"`

	// MaxIdleConnsPerHost caps idle connections to a single host.
	// The engine fans out against one origin, so this is the effective
	// warm-pool size at the deadline.
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`

	// MaxConnsPerHost limits the total number of connections (idle +
	// active) to a single host, preventing file-descriptor exhaustion.
	MaxConnsPerHost int `json:"max_conns_per_host"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a Config.
// Unknown keys are rejected to catch typos early. Defaults are applied to
// any field left at its zero value.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CheckAndSetDefaults fills zero-valued fields with production defaults and
// validates the result. It is idempotent.
func (c *Config) CheckAndSetDefaults() error {
	if c.StatePath == "" {
		c.StatePath = "booking_state.json"
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = "artifacts"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Jakarta"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://bromotenggersemeru.id"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8077"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BrowserProfile == "" {
		c.BrowserProfile = "mobile"
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.PrewarmLead <= 0 {
		c.PrewarmLead = Duration(2 * time.Minute)
	}
	if c.ViewLead <= 0 {
		c.ViewLead = Duration(5 * time.Minute)
	}
	if c.ViewTail <= 0 {
		c.ViewTail = Duration(15 * time.Minute)
	}
	if c.ViewBaseInterval <= 0 {
		c.ViewBaseInterval = Duration(3 * time.Second)
	}
	if c.ViewCapInterval <= 0 {
		c.ViewCapInterval = Duration(7 * time.Second)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(60 * time.Second)
	}
	if c.PollMax <= 0 {
		c.PollMax = Duration(180 * time.Minute)
	}
	if c.PollNotifyEvery <= 0 {
		c.PollNotifyEvery = 5
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = Duration(100 * time.Millisecond)
	}
	if c.RetryCap <= 0 {
		c.RetryCap = Duration(1 * time.Second)
	}
	if c.SessionCacheTTL <= 0 {
		c.SessionCacheTTL = Duration(10 * time.Minute)
	}
	if c.ReminderMinutes <= 0 {
		c.ReminderMinutes = 5
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = Duration(30 * time.Second)
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = Duration(60 * time.Second)
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 500
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 100
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 200
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: bad timezone %q: %w", c.Timezone, err)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: bad base_url %q", c.BaseURL)
	}
	if c.ViewCapInterval < c.ViewBaseInterval {
		return fmt.Errorf("config: view_cap_interval %v below view_base_interval %v",
			c.ViewCapInterval, c.ViewBaseInterval)
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("config: retry_cap %v below retry_base %v", c.RetryCap, c.RetryBase)
	}
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("config: bad log_level %q", c.LogLevel)
	}
	switch c.BrowserProfile {
	case "mobile", "desktop":
	default:
		return fmt.Errorf("config: bad browser_profile %q", c.BrowserProfile)
	}
	return nil
}

// DefaultConfig returns a *Config pre-filled with production defaults.
// Each call returns a fresh independent copy, so callers are free to mutate
// the result before handing it to other components.
func DefaultConfig() *Config {
	cfg := &Config{UseHTTP2: true}
	_ = cfg.CheckAndSetDefaults() // cannot fail on the zero value
	return cfg
}
