package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"preflight/pkg/tracing"
	"preflight/pkg/validation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Timings mirrors the sequencer's stage delays and windows.
type Timings struct {
	CompatibilitySettle time.Duration `yaml:"compatibility_settle"`
	MicrophoneCadence   time.Duration `yaml:"microphone_cadence"`
	MicrophoneWindow    time.Duration `yaml:"microphone_window"`
	MicrophoneAdvance   time.Duration `yaml:"microphone_advance"`
	ResolutionSettle    time.Duration `yaml:"resolution_settle"`
	ResolutionAdvance   time.Duration `yaml:"resolution_advance"`
	StatsInterval       time.Duration `yaml:"stats_interval"`
	ConnectivityWindow  time.Duration `yaml:"connectivity_window"`
	ConnectivitySettle  time.Duration `yaml:"connectivity_settle"`
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	MessagingWindow     time.Duration `yaml:"messaging_window"`
	FinalizeDelay       time.Duration `yaml:"finalize_delay"`
	ChartTeardown       time.Duration `yaml:"chart_teardown"`
	TeardownTimeout     time.Duration `yaml:"teardown_timeout"`
}

type Thresholds struct {
	MinimumVolume          float64 `yaml:"minimum_volume"`
	MinimumSuccessRate     float64 `yaml:"minimum_success_rate"`
	KeyResolutionsRequired int     `yaml:"key_resolutions_required"`
	MessagingSuccessRate   int     `yaml:"messaging_success_rate"`
	FairVideoKbps          float64 `yaml:"fair_video_kbps"`
	FairAudioKbps          float64 `yaml:"fair_audio_kbps"`
	GoodVideoKbps          float64 `yaml:"good_video_kbps"`
	GoodAudioKbps          float64 `yaml:"good_audio_kbps"`
	ExcellentVideoKbps     float64 `yaml:"excellent_video_kbps"`
	ExcellentAudioKbps     float64 `yaml:"excellent_audio_kbps"`
}

// Session holds the identities and credentials a run connects with.
// Credentials usually come from the environment or a .env file.
type Session struct {
	AppID           string `yaml:"app_id"`
	Channel         string `yaml:"channel"`
	SenderID        string `yaml:"sender_id"`
	ReceiverID      string `yaml:"receiver_id"`
	SenderToken     string `yaml:"sender_token"`
	ReceiverToken   string `yaml:"receiver_token"`
	MessagingUserID string `yaml:"messaging_user_id"`
	MessagingToken  string `yaml:"messaging_token"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
	} `yaml:"signal"`

	Diagnostics struct {
		Timings    Timings    `yaml:"timings"`
		Thresholds Thresholds `yaml:"thresholds"`
		Session    Session    `yaml:"session"`
		Proxy      struct {
			Enabled bool   `yaml:"enabled"`
			Mode    string `yaml:"mode"`
		} `yaml:"proxy"`
	} `yaml:"diagnostics"`

	Devices struct {
		Provider  string `yaml:"provider"`
		Synthetic struct {
			Volume    int `yaml:"volume"`
			MaxWidth  int `yaml:"max_width"`
			MaxHeight int `yaml:"max_height"`
		} `yaml:"synthetic"`
		Browser struct {
			Bin       string        `yaml:"bin"`
			Headless  bool          `yaml:"headless"`
			NoSandbox bool          `yaml:"no_sandbox"`
			Timeout   time.Duration `yaml:"timeout"`
		} `yaml:"browser"`
	} `yaml:"devices"`

	Transport struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		VideoBitrate       int           `yaml:"video_bitrate"`
		AudioBitrate       int           `yaml:"audio_bitrate"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		PLIInterval        time.Duration `yaml:"pli_interval"`
	} `yaml:"transport"`

	Messaging struct {
		Provider       string        `yaml:"provider"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		LoginAttempts  int           `yaml:"login_attempts"`
		NATS           struct {
			URL string `yaml:"url"`
		} `yaml:"nats"`
	} `yaml:"messaging"`

	Reports struct {
		Store       string        `yaml:"store"`
		Retention   int           `yaml:"retention"`
		TTL         time.Duration `yaml:"ttl"`
		SaveTimeout time.Duration `yaml:"save_timeout"`
		// Consecutive save failures before archiving pauses for BreakerCooldown.
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"reports"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`

	Redis struct {
		Address  string `yaml:"address"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled           bool          `yaml:"enabled"`
		JWTSecret         string        `yaml:"jwt_secret"`
		AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
		MessagingTokenTTL time.Duration `yaml:"messaging_token_ttl"`
		AllowedOrigins    []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
// Missing session credentials are not an error; a run reports them.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}

	if err := c.Diagnostics.Timings.validate(); err != nil {
		return err
	}
	th := c.Diagnostics.Thresholds
	if th.MinimumSuccessRate < 0 || th.MinimumSuccessRate > 1 {
		return fmt.Errorf("diagnostics.thresholds.minimum_success_rate must be within [0,1]")
	}
	if th.MessagingSuccessRate < 0 || th.MessagingSuccessRate > 100 {
		return fmt.Errorf("diagnostics.thresholds.messaging_success_rate must be within [0,100]")
	}
	if th.FairVideoKbps > th.GoodVideoKbps || th.GoodVideoKbps > th.ExcellentVideoKbps {
		return fmt.Errorf("diagnostics.thresholds video bands must be ascending")
	}
	if c.Diagnostics.Session.Channel == "" {
		return fmt.Errorf("diagnostics.session.channel must not be empty")
	}
	switch c.Diagnostics.Proxy.Mode {
	case "default", "fixed":
	default:
		return fmt.Errorf("diagnostics.proxy.mode must be default or fixed, got %q", c.Diagnostics.Proxy.Mode)
	}

	switch c.Devices.Provider {
	case "synthetic", "browser":
	default:
		return fmt.Errorf("devices.provider must be synthetic or browser, got %q", c.Devices.Provider)
	}

	if c.Transport.PortRange.Min > 0 || c.Transport.PortRange.Max > 0 {
		if c.Transport.PortRange.Min == 0 || c.Transport.PortRange.Max == 0 {
			return fmt.Errorf("transport.port_range.min and max must both be set when one is set")
		}
		if c.Transport.PortRange.Min >= c.Transport.PortRange.Max {
			return fmt.Errorf("transport.port_range.min must be < max")
		}
	}
	if c.Transport.VideoBitrate <= 0 || c.Transport.AudioBitrate <= 0 {
		return fmt.Errorf("transport bitrates must be > 0")
	}
	if c.Transport.NegotiationTimeout <= 0 {
		return fmt.Errorf("transport.negotiation_timeout must be > 0")
	}

	switch c.Messaging.Provider {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when messaging.provider=redis")
		}
	case "nats":
		if c.Messaging.NATS.URL == "" {
			return fmt.Errorf("messaging.nats.url must not be empty when messaging.provider=nats")
		}
		if err := validation.ValidateURL(c.Messaging.NATS.URL, "nats", "tls", "ws", "wss"); err != nil {
			return fmt.Errorf("messaging.nats.url: %w", err)
		}
	default:
		return fmt.Errorf("messaging.provider must be memory, redis or nats, got %q", c.Messaging.Provider)
	}
	if c.Messaging.LoginAttempts <= 0 {
		return fmt.Errorf("messaging.login_attempts must be > 0")
	}

	switch c.Reports.Store {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when reports.store=redis")
		}
	default:
		return fmt.Errorf("reports.store must be memory or redis, got %q", c.Reports.Store)
	}
	if c.Reports.Retention <= 0 {
		return fmt.Errorf("reports.retention must be > 0")
	}
	if c.Redis.Address != "" && c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.MessagingTokenTTL <= 0 {
		return fmt.Errorf("auth token ttls must be > 0")
	}
	for _, origin := range c.Auth.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("auth.allowed_origins: %q: %w", origin, err)
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func (t Timings) validate() error {
	named := map[string]time.Duration{
		"compatibility_settle": t.CompatibilitySettle,
		"microphone_cadence":   t.MicrophoneCadence,
		"microphone_window":    t.MicrophoneWindow,
		"resolution_settle":    t.ResolutionSettle,
		"stats_interval":       t.StatsInterval,
		"connectivity_window":  t.ConnectivityWindow,
		"probe_interval":       t.ProbeInterval,
		"messaging_window":     t.MessagingWindow,
		"teardown_timeout":     t.TeardownTimeout,
	}
	for name, d := range named {
		if d <= 0 {
			return fmt.Errorf("diagnostics.timings.%s must be > 0", name)
		}
	}
	if t.MicrophoneAdvance < 0 || t.ResolutionAdvance < 0 || t.ConnectivitySettle < 0 ||
		t.FinalizeDelay < 0 || t.ChartTeardown < 0 {
		return fmt.Errorf("diagnostics.timings delays must be >= 0")
	}
	if t.MicrophoneCadence >= t.MicrophoneWindow {
		return fmt.Errorf("diagnostics.timings.microphone_cadence must be shorter than microphone_window")
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults, the
// optional .env file and environment overrides.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing path, falling back to defaults when
// none exists.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultPaths are probed when no config file is given explicitly.
var DefaultPaths = []string{
	"configs/config.yaml",
	"config.yaml",
	"/etc/preflight/config.yaml",
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 4 * 1024

	cfg.Diagnostics.Timings = Timings{
		CompatibilitySettle: 3 * time.Second,
		MicrophoneCadence:   100 * time.Millisecond,
		MicrophoneWindow:    7 * time.Second,
		MicrophoneAdvance:   1200 * time.Millisecond,
		ResolutionSettle:    time.Second,
		ResolutionAdvance:   1500 * time.Millisecond,
		StatsInterval:       time.Second,
		ConnectivityWindow:  24 * time.Second,
		ConnectivitySettle:  1500 * time.Millisecond,
		ProbeInterval:       2 * time.Second,
		MessagingWindow:     12 * time.Second,
		FinalizeDelay:       2 * time.Second,
		ChartTeardown:       1500 * time.Millisecond,
		TeardownTimeout:     5 * time.Second,
	}
	cfg.Diagnostics.Thresholds = Thresholds{
		MinimumVolume:          10,
		MinimumSuccessRate:     0.6,
		KeyResolutionsRequired: 2,
		MessagingSuccessRate:   70,
		FairVideoKbps:          100,
		FairAudioKbps:          10,
		GoodVideoKbps:          500,
		GoodAudioKbps:          20,
		ExcellentVideoKbps:     1000,
		ExcellentAudioKbps:     25,
	}
	cfg.Diagnostics.Session = Session{
		Channel:         "testChannel",
		SenderID:        "1234561",
		ReceiverID:      "1234562",
		MessagingUserID: "testuser2",
	}
	cfg.Diagnostics.Proxy.Mode = "default"

	cfg.Devices.Provider = "synthetic"
	cfg.Devices.Synthetic.Volume = 42
	cfg.Devices.Synthetic.MaxWidth = 1920
	cfg.Devices.Synthetic.MaxHeight = 1080
	cfg.Devices.Browser.Headless = true
	cfg.Devices.Browser.Timeout = 15 * time.Second

	cfg.Transport.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Transport.VideoBitrate = 800_000
	cfg.Transport.AudioBitrate = 48_000
	cfg.Transport.NegotiationTimeout = 10 * time.Second
	cfg.Transport.PLIInterval = 3 * time.Second

	cfg.Messaging.Provider = "memory"
	cfg.Messaging.ConnectTimeout = 5 * time.Second
	cfg.Messaging.LoginAttempts = 3
	cfg.Messaging.NATS.URL = "nats://127.0.0.1:4222"

	cfg.Reports.Store = "memory"
	cfg.Reports.Retention = 100
	cfg.Reports.TTL = 7 * 24 * time.Hour
	cfg.Reports.SaveTimeout = 5 * time.Second
	cfg.Reports.BreakerFailures = 3
	cfg.Reports.BreakerCooldown = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.MessagingTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 30

	return cfg
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Server.Address, "PREFLIGHT_SERVER_ADDRESS")
	setString(&c.Logging.Level, "PREFLIGHT_LOG_LEVEL")
	setString(&c.Logging.Format, "PREFLIGHT_LOG_FORMAT")
	setString(&c.Auth.JWTSecret, "PREFLIGHT_JWT_SECRET")
	setString(&c.Messaging.Provider, "PREFLIGHT_MESSAGING_PROVIDER")
	setString(&c.Messaging.NATS.URL, "PREFLIGHT_NATS_URL")
	setString(&c.Redis.Address, "PREFLIGHT_REDIS_ADDRESS")
	setString(&c.Redis.Password, "PREFLIGHT_REDIS_PASSWORD")
	setString(&c.Devices.Provider, "PREFLIGHT_DEVICES_PROVIDER")
	setString(&c.Diagnostics.Session.Channel, "PREFLIGHT_CHANNEL")

	s := &c.Diagnostics.Session
	setString(&s.AppID, "PREFLIGHT_APP_ID", "APP_ID")
	setString(&s.SenderToken, "PREFLIGHT_SKEY", "SKEY")
	setString(&s.ReceiverToken, "PREFLIGHT_RKEY", "RKEY")
	setString(&s.MessagingToken, "PREFLIGHT_RTM_TOKEN", "RTM_TOKEN")

	if v := os.Getenv("PREFLIGHT_PROXY"); v != "" {
		mode, enabled := parseProxy(v)
		c.Diagnostics.Proxy.Enabled = enabled
		c.Diagnostics.Proxy.Mode = mode
	}
	if v := os.Getenv("PREFLIGHT_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Enabled = b
		}
	}
}

// parseProxy accepts "off", "default" or "fixed".
func parseProxy(v string) (mode string, enabled bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "fixed":
		return "fixed", true
	case "off", "false", "0", "":
		return "default", false
	default:
		return "default", true
	}
}
