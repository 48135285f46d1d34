package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRedis  = "redis"
)

// Config stores runtime configuration for the room session client.
type Config struct {
	Server    ServerConfig    `envPrefix:"ORALROOM_"`
	Reconnect ReconnectConfig `envPrefix:"ORALROOM_RECONNECT_"`
	Storage   StorageConfig   `envPrefix:"ORALROOM_STORAGE_"`
	Capture   CaptureConfig   `envPrefix:"ORALROOM_CAPTURE_"`
	Player    PlayerConfig    `envPrefix:"ORALROOM_PLAYER_"`
	Deepgram  DeepgramConfig  `envPrefix:"DEEPGRAM_"`
	S3        S3Config        `envPrefix:"ORALROOM_S3_"`
	Cache     CacheConfig     `envPrefix:"ORALROOM_URL_CACHE_"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"ORALROOM_METRICS_ADDR"`
}

type ServerConfig struct {
	WSURL  string `env:"WS_URL" envDefault:"ws://localhost:8080/ws"`
	APIURL string `env:"API_URL" envDefault:"http://localhost:8080/api"`
}

type ReconnectConfig struct {
	BaseDelay         time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

type StorageConfig struct {
	Backend     string `env:"BACKEND" envDefault:"memory"`
	BoltPath    string `env:"BOLT_PATH" envDefault:"oralroom.db"`
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"oralroom"`
}

type CaptureConfig struct {
	RecorderCommand string        `env:"FFMPEG_COMMAND" envDefault:"ffmpeg"`
	InputFormat     string        `env:"INPUT_FORMAT" envDefault:"pulse"`
	InputDevice     string        `env:"INPUT_DEVICE" envDefault:"default"`
	SampleRate      int           `env:"SAMPLE_RATE" envDefault:"16000"`
	Channels        int           `env:"CHANNELS" envDefault:"1"`
	SettleDelay     time.Duration `env:"SETTLE_DELAY" envDefault:"500ms"`
}

type PlayerConfig struct {
	Command string `env:"COMMAND" envDefault:"ffplay"`
}

type DeepgramConfig struct {
	APIKey      string `env:"API_KEY"`
	APIBaseURL  string `env:"API_BASE" envDefault:"https://api.deepgram.com/v1"`
	Model       string `env:"MODEL" envDefault:"nova-2"`
	Language    string `env:"LANGUAGE" envDefault:"en"`
	SmartFormat bool   `env:"SMART_FORMAT" envDefault:"true"`
}

// Enabled reports whether live recognition is configured.
func (d DeepgramConfig) Enabled() bool {
	return strings.TrimSpace(d.APIKey) != ""
}

type S3Config struct {
	Bucket          string        `env:"BUCKET"`
	Region          string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint        string        `env:"ENDPOINT"`
	AccessKeyID     string        `env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool          `env:"USE_PATH_STYLE"`
	PresignExpiry   time.Duration `env:"PRESIGN_EXPIRY" envDefault:"30m"`
}

// Enabled reports whether presigned URLs are issued locally instead of by the REST API.
func (s S3Config) Enabled() bool {
	return strings.TrimSpace(s.Bucket) != ""
}

type CacheConfig struct {
	TTL          time.Duration `env:"TTL" envDefault:"25m"`
	RefreshAfter time.Duration `env:"REFRESH_AFTER" envDefault:"20m"`
	SweepEvery   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// Load resolves configuration from environment variables and defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	cfg := Config{}
	cfg.Normalize()
	return cfg
}

// Normalize replaces missing or non-positive values with defaults.
func (c *Config) Normalize() {
	c.Server.WSURL = firstNonEmpty(c.Server.WSURL, "ws://localhost:8080/ws")
	c.Server.APIURL = strings.TrimRight(firstNonEmpty(c.Server.APIURL, "http://localhost:8080/api"), "/")

	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.HeartbeatInterval < 0 {
		c.Reconnect.HeartbeatInterval = 30 * time.Second
	}
	if c.Reconnect.HandshakeTimeout <= 0 {
		c.Reconnect.HandshakeTimeout = 10 * time.Second
	}

	c.Storage.Backend = strings.ToLower(firstNonEmpty(c.Storage.Backend, StorageMemory))
	c.Storage.BoltPath = firstNonEmpty(c.Storage.BoltPath, "oralroom.db")
	c.Storage.RedisPrefix = firstNonEmpty(c.Storage.RedisPrefix, "oralroom")

	c.Capture.RecorderCommand = firstNonEmpty(c.Capture.RecorderCommand, "ffmpeg")
	c.Capture.InputFormat = firstNonEmpty(c.Capture.InputFormat, "pulse")
	c.Capture.InputDevice = firstNonEmpty(c.Capture.InputDevice, "default")
	if c.Capture.SampleRate <= 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.Channels <= 0 {
		c.Capture.Channels = 1
	}
	if c.Capture.SettleDelay <= 0 {
		c.Capture.SettleDelay = 500 * time.Millisecond
	}

	c.Player.Command = firstNonEmpty(c.Player.Command, "ffplay")

	c.Deepgram.APIBaseURL = firstNonEmpty(c.Deepgram.APIBaseURL, "https://api.deepgram.com/v1")
	c.Deepgram.Model = firstNonEmpty(c.Deepgram.Model, "nova-2")
	c.Deepgram.Language = firstNonEmpty(c.Deepgram.Language, "en")

	c.S3.Region = firstNonEmpty(c.S3.Region, "us-east-1")
	if c.S3.PresignExpiry <= 0 {
		c.S3.PresignExpiry = 30 * time.Minute
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 25 * time.Minute
	}
	if c.Cache.RefreshAfter <= 0 || c.Cache.RefreshAfter > c.Cache.TTL {
		c.Cache.RefreshAfter = 20 * time.Minute
		if c.Cache.RefreshAfter > c.Cache.TTL {
			c.Cache.RefreshAfter = c.Cache.TTL
		}
	}
	if c.Cache.SweepEvery <= 0 {
		c.Cache.SweepEvery = 5 * time.Minute
	}

	c.LogLevel = strings.ToLower(firstNonEmpty(c.LogLevel, "info"))
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageBolt:
	case StorageRedis:
		if strings.TrimSpace(c.Storage.RedisURL) == "" {
			return fmt.Errorf("ORALROOM_STORAGE_REDIS_URL is required for the redis storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
