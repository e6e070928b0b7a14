package app

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cmnenv "fieldsync/server/common/env"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	APIBaseURLs       []string `yaml:"api_base_urls"`
	ChannelBaseURL    string   `yaml:"channel_base_url"`
	StoreBackend      string   `yaml:"store_backend"`
	SQLitePath        string   `yaml:"sqlite_path"`
	RedisAddr         string   `yaml:"redis_addr"`
	DeviceID          string   `yaml:"device_id"`
	ReconnectDelayMS  int      `yaml:"reconnect_delay_ms"`
	HTTPTimeoutMS     int      `yaml:"http_timeout_ms"`
	ProbeIntervalMS   int      `yaml:"probe_interval_ms"`
	AlertRingSize     int      `yaml:"alert_ring_size"`
	PhotoMaxDimension int      `yaml:"photo_max_dimension"`
	RefreshSchedule   string   `yaml:"refresh_schedule"`
}

func LoadConfig() Config {
	cfg := loadEnv()
	cfg.applyDefaults()
	return cfg
}

func loadEnv() Config {
	hostname, _ := os.Hostname()
	return Config{
		APIBaseURLs:       cmnenv.CSV("FIELDSYNC_API_BASE_URL", []string{"http://localhost:8090"}),
		ChannelBaseURL:    cmnenv.String("FIELDSYNC_CHANNEL_BASE_URL", ""),
		StoreBackend:      cmnenv.String("FIELDSYNC_STORE_BACKEND", StoreSQLite),
		SQLitePath:        cmnenv.String("FIELDSYNC_SQLITE_PATH", "./data/fieldsync.db"),
		RedisAddr:         cmnenv.String("FIELDSYNC_REDIS_ADDR", "localhost:6379"),
		DeviceID:          cmnenv.String("FIELDSYNC_DEVICE_ID", hostname),
		ReconnectDelayMS:  cmnenv.Int("FIELDSYNC_RECONNECT_DELAY_MS", 5000),
		HTTPTimeoutMS:     cmnenv.Int("FIELDSYNC_HTTP_TIMEOUT_MS", 15000),
		ProbeIntervalMS:   cmnenv.Int("FIELDSYNC_PROBE_INTERVAL_MS", 10000),
		AlertRingSize:     cmnenv.Int("FIELDSYNC_ALERT_RING_SIZE", 100),
		PhotoMaxDimension: cmnenv.Int("FIELDSYNC_PHOTO_MAX_DIMENSION", 1920),
		RefreshSchedule:   cmnenv.String("FIELDSYNC_REFRESH_SCHEDULE", ""),
	}
}

// LoadConfigFile overlays the YAML file at path on top of the environment.
func LoadConfigFile(path string) (Config, error) {
	cfg := loadEnv()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		c.StoreBackend = StoreSQLite
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		c.DeviceID = "default"
	}
	if strings.TrimSpace(c.ChannelBaseURL) == "" && len(c.APIBaseURLs) > 0 {
		c.ChannelBaseURL = channelFromAPI(c.APIBaseURLs[0])
	}
}

func (c Config) Validate() error {
	var errs []string
	if len(c.APIBaseURLs) == 0 {
		errs = append(errs, "at least one api base url is required")
	}
	for i, raw := range c.APIBaseURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("api_base_urls[%d] %q is not an http(s) url", i, raw))
		}
	}
	if u, err := url.Parse(c.ChannelBaseURL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("channel_base_url %q is not a ws(s) url", c.ChannelBaseURL))
	}
	switch c.StoreBackend {
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, "sqlite_path is required for the sqlite store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, "redis_addr is required for the redis store")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("unknown store_backend %q", c.StoreBackend))
	}
	if c.ReconnectDelayMS <= 0 || c.HTTPTimeoutMS <= 0 || c.ProbeIntervalMS <= 0 {
		errs = append(errs, "reconnect_delay_ms, http_timeout_ms and probe_interval_ms must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func channelFromAPI(apiURL string) string {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// probeAddr is the host:port whose reachability stands for "online".
func probeAddr(apiURL string) string {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
