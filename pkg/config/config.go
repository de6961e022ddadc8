package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"voxmesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		// AdvertiseURL is what other instances send clients to when this
		// instance owns a room.
		AdvertiseURL    string        `yaml:"advertise_url"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is
		// believed. Empty trusts none and keys clients by remote address.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendBuffer     int           `yaml:"send_buffer"`
		InboxSize      int           `yaml:"inbox_size"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		AllowLocalDev  bool          `yaml:"allow_local_dev"`
	} `yaml:"signal"`

	Directory struct {
		ClaimTTL time.Duration `yaml:"claim_ttl"`
		Retry    struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"directory"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Messages struct {
			Limit  int           `yaml:"limit"`
			Window time.Duration `yaml:"window"`
		} `yaml:"messages"`

		Upgrades struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"upgrades"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		MaxRooms            int           `yaml:"max_rooms"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		LevelInterval time.Duration `yaml:"level_interval"`
	} `yaml:"webrtc"`

	Client struct {
		RelayURL      string   `yaml:"relay_url"`
		Origin        string   `yaml:"origin"`
		Room          string   `yaml:"room"`
		ParticipantID string   `yaml:"participant_id"`
		Device        string   `yaml:"device"`
		Devices       []string `yaml:"devices"`
		StartMuted    bool     `yaml:"start_muted"`

		Enhancements struct {
			EchoCancellation bool `yaml:"echo_cancellation"`
			NoiseSuppression bool `yaml:"noise_suppression"`
			AutoGainControl  bool `yaml:"auto_gain_control"`
		} `yaml:"enhancements"`

		Quality struct {
			SampleInterval      time.Duration `yaml:"sample_interval"`
			BadLossPercent      float64       `yaml:"bad_loss_percent"`
			BadRTT              time.Duration `yaml:"bad_rtt"`
			DegradedLossPercent float64       `yaml:"degraded_loss_percent"`
			DegradedRTT         time.Duration `yaml:"degraded_rtt"`
		} `yaml:"quality"`

		Reconnect struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"client"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.AdvertiseURL != "" {
		if err := validation.ValidateURL(c.Server.AdvertiseURL); err != nil {
			return fmt.Errorf("server.advertise_url: %w", err)
		}
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	for _, p := range c.Server.TrustedProxies {
		if err := validation.ValidateProxy(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.InboxSize <= 0 {
		return fmt.Errorf("signal.inbox_size must be > 0")
	}
	for _, origin := range c.Signal.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("signal.allowed_origins: %w", err)
		}
	}

	// Directory
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Directory.ClaimTTL < time.Second {
			return fmt.Errorf("directory.claim_ttl must be >= 1s")
		}
		if c.Directory.Breaker.FailureThreshold <= 0 || c.Directory.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("directory.breaker thresholds must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Messages.Limit <= 0 {
		return fmt.Errorf("rate_limiting.messages.limit must be > 0")
	}
	if c.RateLimiting.Messages.Window <= 0 {
		return fmt.Errorf("rate_limiting.messages.window must be > 0")
	}
	if c.RateLimiting.Upgrades.Enabled {
		if c.RateLimiting.Upgrades.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.upgrades.requests_per_second must be > 0 when enabled")
		}
		if c.RateLimiting.Upgrades.Burst <= 0 {
			return fmt.Errorf("rate_limiting.upgrades.burst must be > 0 when enabled")
		}
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.MaxRooms < 0 {
		return fmt.Errorf("monitoring.max_rooms must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Client
	if err := validation.ValidateURL(c.Client.RelayURL); err != nil {
		return fmt.Errorf("client.relay_url: %w", err)
	}
	for _, device := range append([]string{c.Client.Device}, c.Client.Devices...) {
		if err := validation.ValidateDevice(device); err != nil {
			return fmt.Errorf("client.devices: %w", err)
		}
	}
	q := c.Client.Quality
	if q.SampleInterval <= 0 {
		return fmt.Errorf("client.quality.sample_interval must be > 0")
	}
	if q.DegradedLossPercent > q.BadLossPercent || q.DegradedRTT > q.BadRTT {
		return fmt.Errorf("client.quality degraded thresholds must not exceed bad thresholds")
	}
	if c.Client.Reconnect.InitialDelay <= 0 || c.Client.Reconnect.MaxDelay < c.Client.Reconnect.InitialDelay {
		return fmt.Errorf("client.reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
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

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.SendBuffer = 64
	cfg.Signal.InboxSize = 256
	cfg.Signal.AllowLocalDev = false

	cfg.Directory.ClaimTTL = 30 * time.Second
	cfg.Directory.Retry.Enabled = true
	cfg.Directory.Retry.MaxAttempts = 2
	cfg.Directory.Retry.InitialDelay = 50 * time.Millisecond
	cfg.Directory.Retry.MaxDelay = 500 * time.Millisecond
	cfg.Directory.Breaker.FailureThreshold = 5
	cfg.Directory.Breaker.SuccessThreshold = 2
	cfg.Directory.Breaker.Timeout = 30 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Messages.Limit = 80
	cfg.RateLimiting.Messages.Window = 10 * time.Second
	cfg.RateLimiting.Upgrades.Enabled = true
	cfg.RateLimiting.Upgrades.RequestsPerSecond = 2
	cfg.RateLimiting.Upgrades.Burst = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 15 * time.Second
	cfg.Monitoring.MaxRooms = 0

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.LevelInterval = 100 * time.Millisecond

	cfg.Client.RelayURL = "ws://localhost:8080"
	cfg.Client.Device = "default"
	cfg.Client.Enhancements.EchoCancellation = true
	cfg.Client.Enhancements.NoiseSuppression = true
	cfg.Client.Enhancements.AutoGainControl = true
	cfg.Client.Quality.SampleInterval = 2 * time.Second
	cfg.Client.Quality.BadLossPercent = 8
	cfg.Client.Quality.BadRTT = 400 * time.Millisecond
	cfg.Client.Quality.DegradedLossPercent = 4
	cfg.Client.Quality.DegradedRTT = 250 * time.Millisecond
	cfg.Client.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Client.Reconnect.MaxDelay = 15 * time.Second

	return cfg
}

// Advertise returns the URL other instances redirect clients to.
func (c *Config) Advertise() string {
	if c.Server.AdvertiseURL != "" {
		return strings.TrimRight(c.Server.AdvertiseURL, "/")
	}
	host, port, err := net.SplitHostPort(c.Server.Address)
	if err != nil {
		return "ws://" + c.Server.Address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port)
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("VOXMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if u := os.Getenv("VOXMESH_ADVERTISE_URL"); u != "" {
		c.Server.AdvertiseURL = u
	}
	if proxies := os.Getenv("VOXMESH_TRUSTED_PROXIES"); proxies != "" {
		c.Server.TrustedProxies = splitList(proxies)
	}
	if origins := os.Getenv("VOXMESH_ALLOWED_ORIGINS"); origins != "" {
		c.Signal.AllowedOrigins = splitList(origins)
	}
	if v := os.Getenv("VOXMESH_ALLOW_LOCAL_DEV"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VOXMESH_ALLOW_LOCAL_DEV: %w", err)
		}
		c.Signal.AllowLocalDev = allow
	}
	if addr := os.Getenv("VOXMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if pw := os.Getenv("VOXMESH_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if level := os.Getenv("VOXMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if u := os.Getenv("VOXMESH_JAEGER_URL"); u != "" {
		c.Tracing.Enabled = true
		c.Tracing.JaegerURL = u
	}
	if u := os.Getenv("VOXMESH_RELAY_URL"); u != "" {
		c.Client.RelayURL = u
	}
	if room := os.Getenv("VOXMESH_ROOM"); room != "" {
		c.Client.Room = room
	}
	if id := os.Getenv("VOXMESH_PARTICIPANT_ID"); id != "" {
		c.Client.ParticipantID = id
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
