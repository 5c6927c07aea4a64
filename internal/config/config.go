package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NeverExpires is the sentinel expiry for tokens that never expire
// (2099-12-31T00:00:00Z as unix seconds).
const NeverExpires int64 = 4102444800

type Config struct {
	App struct {
		// dev | staging | prod
		Env  string `yaml:"env"`
		Name string `yaml:"name"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // "memory" | "redis"
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
		// StatesTTL bounds how long the upstream state list is served from cache.
		StatesTTL string `yaml:"states_ttl"`
	} `yaml:"cache"`

	HomeAssistant struct {
		BaseURL      string `yaml:"base_url"`
		Token        string `yaml:"token"`
		HTTPTimeout  string `yaml:"http_timeout"`
		QueueSize    int    `yaml:"queue_size"`
		PingInterval string `yaml:"ping_interval"`
		BackoffInit  string `yaml:"backoff_init"`
		BackoffMax   string `yaml:"backoff_max"`
	} `yaml:"home_assistant"`

	Admin struct {
		Username string `yaml:"username"`
		// PasswordHash is an argon2id PHC string. Plaintext passwords never
		// live in the config file.
		PasswordHash string `yaml:"password_hash"`
		SessionTTL   string `yaml:"session_ttl"`
	} `yaml:"admin"`

	Rate struct {
		// CommandRPM limits guest command calls per token per minute.
		CommandRPM int `yaml:"command_rpm"`
		// LoginPerMinute limits admin login attempts per IP per minute.
		LoginPerMinute int `yaml:"login_per_minute"`
	} `yaml:"rate"`

	Guest struct {
		// AllowedServices maps entity domain to the service names guests may
		// call. Domains that run arbitrary automations (script, scene,
		// automation) must never appear here.
		AllowedServices map[string][]string `yaml:"allowed_services"`
		// ForbiddenDataKeys are payload keys stripped before forwarding
		// because they could re-target the command.
		ForbiddenDataKeys []string `yaml:"forbidden_data_keys"`
	} `yaml:"guest"`

	Retention struct {
		AccessLogDays int `yaml:"access_log_days"`
	} `yaml:"retention"`
}

// DefaultAllowedServices mirrors the domains a guest may reasonably control.
// script/scene/automation are excluded on purpose: they execute arbitrary
// automation logic and would bypass entity scoping entirely.
func DefaultAllowedServices() map[string][]string {
	return map[string][]string{
		"light":         {"turn_on", "turn_off", "toggle"},
		"switch":        {"turn_on", "turn_off", "toggle"},
		"input_boolean": {"turn_on", "turn_off", "toggle"},
		"climate":       {"set_temperature", "set_hvac_mode", "turn_on", "turn_off"},
		"lock":          {"lock", "unlock"},
		"media_player": {"media_play", "media_pause", "media_stop", "volume_set",
			"media_play_pause", "turn_on", "turn_off"},
		"cover": {"open_cover", "close_cover", "stop_cover"},
		"fan":   {"turn_on", "turn_off", "toggle", "set_percentage"},
	}
}

// DefaultForbiddenDataKeys are the payload keys that could override entity
// targeting if forwarded upstream.
func DefaultForbiddenDataKeys() []string {
	return []string{"entity_id", "device_id", "area_id", "floor_id"}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.App.Name == "" {
		c.App.Name = "Home Access"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "2m"
	}
	if c.Cache.StatesTTL == "" {
		c.Cache.StatesTTL = "30s"
	}
	if c.HomeAssistant.HTTPTimeout == "" {
		c.HomeAssistant.HTTPTimeout = "10s"
	}
	if c.HomeAssistant.QueueSize == 0 {
		c.HomeAssistant.QueueSize = 64
	}
	if c.HomeAssistant.PingInterval == "" {
		c.HomeAssistant.PingInterval = "30s"
	}
	if c.HomeAssistant.BackoffInit == "" {
		c.HomeAssistant.BackoffInit = "2s"
	}
	if c.HomeAssistant.BackoffMax == "" {
		c.HomeAssistant.BackoffMax = "60s"
	}
	if c.Admin.SessionTTL == "" {
		c.Admin.SessionTTL = "24h"
	}
	if c.Rate.CommandRPM == 0 {
		c.Rate.CommandRPM = 30
	}
	if c.Rate.LoginPerMinute == 0 {
		c.Rate.LoginPerMinute = 5
	}
	if c.Guest.AllowedServices == nil {
		c.Guest.AllowedServices = DefaultAllowedServices()
	}
	if c.Guest.ForbiddenDataKeys == nil {
		c.Guest.ForbiddenDataKeys = DefaultForbiddenDataKeys()
	}
	if c.Retention.AccessLogDays == 0 {
		c.Retention.AccessLogDays = 90
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.HomeAssistant.BaseURL == "" {
		return fmt.Errorf("config: home_assistant.base_url is required")
	}
	if !strings.HasPrefix(c.HomeAssistant.BaseURL, "http://") && !strings.HasPrefix(c.HomeAssistant.BaseURL, "https://") {
		return fmt.Errorf("config: home_assistant.base_url must be http:// or https://")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("config: home_assistant.token is required")
	}
	if c.Admin.Username == "" || c.Admin.PasswordHash == "" {
		return fmt.Errorf("config: admin.username and admin.password_hash are required")
	}
	for _, d := range []string{"script", "scene", "automation"} {
		if _, ok := c.Guest.AllowedServices[d]; ok {
			return fmt.Errorf("config: guest.allowed_services must not contain %q", d)
		}
	}
	return nil
}

// Duration accessors. Values were defaulted in Load, so a parse failure
// falls back to the documented default instead of erroring.

func (c *Config) HTTPTimeout() time.Duration {
	return durOr(c.HomeAssistant.HTTPTimeout, 10*time.Second)
}

func (c *Config) PingInterval() time.Duration {
	return durOr(c.HomeAssistant.PingInterval, 30*time.Second)
}

func (c *Config) BackoffInit() time.Duration { return durOr(c.HomeAssistant.BackoffInit, 2*time.Second) }
func (c *Config) BackoffMax() time.Duration  { return durOr(c.HomeAssistant.BackoffMax, 60*time.Second) }
func (c *Config) SessionTTL() time.Duration  { return durOr(c.Admin.SessionTTL, 24*time.Hour) }
func (c *Config) StatesTTL() time.Duration   { return durOr(c.Cache.StatesTTL, 30*time.Second) }

func durOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return def
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// applyEnvOverrides: environment variables win over config.yaml so containers
// can inject secrets without a mounted file.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("CACHE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("HA_BASE_URL"); ok {
		c.HomeAssistant.BaseURL = v
	}
	if v, ok := getEnvStr("HA_TOKEN"); ok {
		c.HomeAssistant.Token = v
	}
	if v, ok := getEnvStr("ADMIN_USERNAME"); ok {
		c.Admin.Username = v
	}
	if v, ok := getEnvStr("ADMIN_PASSWORD_HASH"); ok {
		c.Admin.PasswordHash = v
	}
	if v, ok := getEnvInt("RATE_COMMAND_RPM"); ok {
		c.Rate.CommandRPM = v
	}
	if v, ok := getEnvInt("RATE_LOGIN_PER_MINUTE"); ok {
		c.Rate.LoginPerMinute = v
	}
	if v, ok := getEnvInt("ACCESS_LOG_RETENTION_DAYS"); ok {
		c.Retention.AccessLogDays = v
	}
}
