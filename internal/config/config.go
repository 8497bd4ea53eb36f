package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultRequestTimeout      = 15 * time.Second
	DefaultMaxSubscriptions    = 10
	DefaultBackgroundGrace     = 30 * time.Second
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultReconnectInitial    = time.Second
	DefaultReconnectMax        = 15 * time.Second
	DefaultBadgeDebounce       = 10 * time.Second
	DefaultPollConnected       = 30 * time.Second
	DefaultPollDisconnected    = 3 * time.Minute
	DefaultSchemaBackoff       = 10 * time.Minute
	DefaultTransientBackoff    = 30 * time.Second
	DefaultTransientBackoffMax = 8 * time.Minute
	DefaultRecoveryThreshold   = 3
	DefaultSendInterval        = time.Second
	DefaultConversationPage    = 20
	DefaultMessagePage         = 50
	MaxPageSize                = 100
	DefaultEnrichConcurrency   = 4
)

// Duration wraps time.Duration with JSON codecs so config files can
// hold values like "30s" or "10m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", asString, perr)
		}
		*d = Duration(parsed)

		return nil
	}

	var asNanos int64
	if err := json.Unmarshal(raw, &asNanos); err == nil {
		*d = Duration(asNanos)

		return nil
	}

	return fmt.Errorf("duration must be a string or integer nanoseconds: %s", string(raw))
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	LogToFile bool   `json:"log_to_file"`
}

// BackendConfig points the client at a row API deployment.
type BackendConfig struct {
	BaseURL        string   `json:"base_url"`
	AnonKey        string   `json:"anon_key"`
	RequestTimeout Duration `json:"request_timeout"`
}

// RealtimeConfig bounds the websocket channel pool and its reconnect
// behavior.
type RealtimeConfig struct {
	MaxSubscriptions  int      `json:"max_subscriptions"`
	ProtectedPrefixes []string `json:"protected_prefixes"`
	BackgroundGrace   Duration `json:"background_grace"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	ReconnectInitial  Duration `json:"reconnect_initial"`
	ReconnectMax      Duration `json:"reconnect_max"`
}

// BadgeConfig tunes unread badge refresh cadence and failure backoff.
type BadgeConfig struct {
	Debounce            Duration `json:"debounce"`
	PollConnected       Duration `json:"poll_connected"`
	PollDisconnected    Duration `json:"poll_disconnected"`
	SchemaBackoff       Duration `json:"schema_backoff"`
	TransientBackoff    Duration `json:"transient_backoff"`
	TransientBackoffMax Duration `json:"transient_backoff_max"`
	RecoveryThreshold   int      `json:"recovery_threshold"`
}

// RateLimitConfig holds per-operation minimum intervals.
type RateLimitConfig struct {
	SendMessageInterval Duration `json:"send_message_interval"`
}

// ConversationConfig bounds list and history pagination.
type ConversationConfig struct {
	PageSize          int `json:"page_size"`
	MessagePageSize   int `json:"message_page_size"`
	EnrichConcurrency int `json:"enrich_concurrency"`
}

// AppConfig is the root persisted client configuration.
type AppConfig struct {
	Backend       BackendConfig      `json:"backend"`
	Realtime      RealtimeConfig     `json:"realtime"`
	Badges        BadgeConfig        `json:"badges"`
	RateLimits    RateLimitConfig    `json:"rate_limits"`
	Conversations ConversationConfig `json:"conversations"`
	Logging       LoggingConfig      `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Backend: BackendConfig{
			BaseURL:        "",
			AnonKey:        "",
			RequestTimeout: Duration(DefaultRequestTimeout),
		},
		Realtime: RealtimeConfig{
			MaxSubscriptions:  DefaultMaxSubscriptions,
			ProtectedPrefixes: []string{"conversation:", "typing:"},
			BackgroundGrace:   Duration(DefaultBackgroundGrace),
			HeartbeatInterval: Duration(DefaultHeartbeatInterval),
			ReconnectInitial:  Duration(DefaultReconnectInitial),
			ReconnectMax:      Duration(DefaultReconnectMax),
		},
		Badges: BadgeConfig{
			Debounce:            Duration(DefaultBadgeDebounce),
			PollConnected:       Duration(DefaultPollConnected),
			PollDisconnected:    Duration(DefaultPollDisconnected),
			SchemaBackoff:       Duration(DefaultSchemaBackoff),
			TransientBackoff:    Duration(DefaultTransientBackoff),
			TransientBackoffMax: Duration(DefaultTransientBackoffMax),
			RecoveryThreshold:   DefaultRecoveryThreshold,
		},
		RateLimits: RateLimitConfig{
			SendMessageInterval: Duration(DefaultSendInterval),
		},
		Conversations: ConversationConfig{
			PageSize:          DefaultConversationPage,
			MessagePageSize:   DefaultMessagePage,
			EnrichConcurrency: DefaultEnrichConcurrency,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Realtime.MaxSubscriptions <= 0 {
		c.Realtime.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.Realtime.ProtectedPrefixes == nil {
		c.Realtime.ProtectedPrefixes = []string{"conversation:", "typing:"}
	}
	c.Realtime.ProtectedPrefixes = trimPrefixes(c.Realtime.ProtectedPrefixes)
	if c.Realtime.BackgroundGrace <= 0 {
		c.Realtime.BackgroundGrace = Duration(DefaultBackgroundGrace)
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		c.Realtime.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Realtime.ReconnectInitial <= 0 {
		c.Realtime.ReconnectInitial = Duration(DefaultReconnectInitial)
	}
	if c.Realtime.ReconnectMax < c.Realtime.ReconnectInitial {
		c.Realtime.ReconnectMax = Duration(DefaultReconnectMax)
	}
	if c.Badges.Debounce <= 0 {
		c.Badges.Debounce = Duration(DefaultBadgeDebounce)
	}
	if c.Badges.PollConnected <= 0 {
		c.Badges.PollConnected = Duration(DefaultPollConnected)
	}
	if c.Badges.PollDisconnected <= 0 {
		c.Badges.PollDisconnected = Duration(DefaultPollDisconnected)
	}
	if c.Badges.SchemaBackoff <= 0 {
		c.Badges.SchemaBackoff = Duration(DefaultSchemaBackoff)
	}
	if c.Badges.TransientBackoff <= 0 {
		c.Badges.TransientBackoff = Duration(DefaultTransientBackoff)
	}
	if c.Badges.TransientBackoffMax < c.Badges.TransientBackoff {
		c.Badges.TransientBackoffMax = Duration(DefaultTransientBackoffMax)
	}
	if c.Badges.RecoveryThreshold <= 0 {
		c.Badges.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if c.RateLimits.SendMessageInterval <= 0 {
		c.RateLimits.SendMessageInterval = Duration(DefaultSendInterval)
	}
	c.Conversations.PageSize = clampPageSize(c.Conversations.PageSize, DefaultConversationPage)
	c.Conversations.MessagePageSize = clampPageSize(c.Conversations.MessagePageSize, DefaultMessagePage)
	if c.Conversations.EnrichConcurrency <= 0 {
		c.Conversations.EnrichConcurrency = DefaultEnrichConcurrency
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func trimPrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}

	return out
}

func clampPageSize(size, fallback int) int {
	if size <= 0 {
		return fallback
	}
	if size > MaxPageSize {
		return MaxPageSize
	}

	return size
}

func (c AppConfig) Validate() error {
	base := strings.TrimSpace(c.Backend.BaseURL)
	if base == "" {
		return errors.New("backend base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("backend base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend base_url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("backend base_url must include a host")
	}

	if c.Realtime.MaxSubscriptions < 1 {
		return errors.New("realtime max_subscriptions must be at least 1")
	}
	if c.Realtime.ReconnectMax < c.Realtime.ReconnectInitial {
		return errors.New("realtime reconnect_max must not be below reconnect_initial")
	}
	if c.Badges.TransientBackoffMax < c.Badges.TransientBackoff {
		return errors.New("badges transient_backoff_max must not be below transient_backoff")
	}
	if c.Conversations.PageSize < 1 || c.Conversations.PageSize > MaxPageSize {
		return fmt.Errorf("conversations page_size must be within 1..%d", MaxPageSize)
	}
	if c.Conversations.MessagePageSize < 1 || c.Conversations.MessagePageSize > MaxPageSize {
		return fmt.Errorf("conversations message_page_size must be within 1..%d", MaxPageSize)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
