package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every environment override, e.g. CASTROOM_SERVER_ADDRESS.
const EnvPrefix = "CASTROOM_"

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address" env:"ADDRESS"`
		PublicURL       string        `yaml:"public_url" env:"PUBLIC_URL"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Signal struct {
		Address         string        `yaml:"address" env:"ADDRESS"`
		URL             string        `yaml:"url" env:"URL"`
		PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
		PongTimeout     time.Duration `yaml:"pong_timeout" env:"PONG_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	} `yaml:"signal" envPrefix:"SIGNAL_"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min" env:"MIN"`
			Max uint16 `yaml:"max" env:"MAX"`
		} `yaml:"port_range" envPrefix:"PORT_RANGE_"`
	} `yaml:"webrtc" envPrefix:"WEBRTC_"`

	Session struct {
		DefaultQuality string `yaml:"default_quality" env:"DEFAULT_QUALITY"`
		AudioEnabled   bool   `yaml:"audio_enabled" env:"AUDIO_ENABLED"`
		Negotiation    struct {
			MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
			InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
			MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
			Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
		} `yaml:"negotiation" envPrefix:"NEGOTIATION_"`
	} `yaml:"session" envPrefix:"SESSION_"`

	Capture struct {
		VideoFile string `yaml:"video_file" env:"VIDEO_FILE"`
		AudioFile string `yaml:"audio_file" env:"AUDIO_FILE"`
		Loop      bool   `yaml:"loop" env:"LOOP"`
	} `yaml:"capture" envPrefix:"CAPTURE_"`

	Rooms struct {
		CodeLength             int           `yaml:"code_length" env:"CODE_LENGTH"`
		CodeAttempts           int           `yaml:"code_attempts" env:"CODE_ATTEMPTS"`
		DefaultMaxParticipants int           `yaml:"default_max_participants" env:"DEFAULT_MAX_PARTICIPANTS"`
		MaxParticipantsLimit   int           `yaml:"max_participants_limit" env:"MAX_PARTICIPANTS_LIMIT"`
		LockTTL                time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	} `yaml:"rooms" envPrefix:"ROOMS_"`

	Chat struct {
		MaxMessageLength int `yaml:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
		SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	} `yaml:"chat" envPrefix:"CHAT_"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	} `yaml:"monitoring" envPrefix:"MONITORING_"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled" env:"ENABLED"`
		ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
		JaegerURL   string  `yaml:"jaeger_url" env:"JAEGER_URL"`
		Environment string  `yaml:"environment" env:"ENVIRONMENT"`
		SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	} `yaml:"tracing" envPrefix:"TRACING_"`

	Logging struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"logging" envPrefix:"LOG_"`

	Redis struct {
		Enabled  bool   `yaml:"enabled" env:"ENABLED"`
		Address  string `yaml:"address" env:"ADDRESS"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
		PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret" env:"JWT_SECRET"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
		BcryptCost     int           `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
		AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"auth" envPrefix:"AUTH_"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
			Burst             int     `yaml:"burst" env:"BURST"`
			MaxConcurrent     int     `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
		} `yaml:"http" envPrefix:"HTTP_"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second" env:"MESSAGES_PER_SECOND"`
			Burst               int     `yaml:"burst" env:"BURST"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes" env:"MAX_MESSAGE_SIZE_BYTES"`
		} `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	} `yaml:"rate_limiting" envPrefix:"RATE_LIMITING_"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
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

	// Session
	switch c.Session.DefaultQuality {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("session.default_quality must be one of low, medium, high")
	}
	if c.Session.Negotiation.MaxAttempts < 0 {
		return fmt.Errorf("session.negotiation.max_attempts must be >= 0")
	}
	if c.Session.Negotiation.InitialDelay <= 0 || c.Session.Negotiation.MaxDelay < c.Session.Negotiation.InitialDelay {
		return fmt.Errorf("session.negotiation delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Session.Negotiation.Timeout <= 0 {
		return fmt.Errorf("session.negotiation.timeout must be > 0")
	}

	// Rooms
	if c.Rooms.CodeLength < 4 {
		return fmt.Errorf("rooms.code_length must be >= 4")
	}
	if c.Rooms.CodeAttempts <= 0 {
		return fmt.Errorf("rooms.code_attempts must be > 0")
	}
	if c.Rooms.DefaultMaxParticipants < 1 || c.Rooms.DefaultMaxParticipants > c.Rooms.MaxParticipantsLimit {
		return fmt.Errorf("rooms.default_max_participants must be within [1, max_participants_limit]")
	}
	if c.Rooms.LockTTL <= 0 {
		return fmt.Errorf("rooms.lock_ttl must be > 0")
	}

	// Chat
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be > 0")
	}
	if c.Chat.SubscriberBuffer <= 0 {
		return fmt.Errorf("chat.subscriber_buffer must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be within [4, 31]")
	}

	// Rate limiting
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
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

	cfg.Server.Address = "127.0.0.1:8080"
	cfg.Server.PublicURL = "http://localhost:8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Session.DefaultQuality = "medium"
	cfg.Session.AudioEnabled = true
	cfg.Session.Negotiation.MaxAttempts = 3
	cfg.Session.Negotiation.InitialDelay = 500 * time.Millisecond
	cfg.Session.Negotiation.MaxDelay = 5 * time.Second
	cfg.Session.Negotiation.Timeout = 20 * time.Second

	cfg.Capture.Loop = true

	cfg.Rooms.CodeLength = 6
	cfg.Rooms.CodeAttempts = 5
	cfg.Rooms.DefaultMaxParticipants = 10
	cfg.Rooms.MaxParticipantsLimit = 50
	cfg.Rooms.LockTTL = 5 * time.Second

	cfg.Chat.MaxMessageLength = 2000
	cfg.Chat.SubscriberBuffer = 64

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "castroom"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.BcryptCost = 10
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

// applyEnvOverrides only touches fields whose variable is present.
func (c *Config) applyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}
