package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Channel drivers understood by the client binaries.
const (
	ChannelWebSocket = "websocket"
	ChannelNATS      = "nats"
	ChannelRedis     = "redis"
	ChannelMemory    = "memory"
)

// Config holds runtime configuration for the sync client and the development backend.
type Config struct {
	AppName string
	AppEnv  string
	AppPort string

	ActorID   string
	ActorName string

	APIBaseURL string
	APITimeout time.Duration

	ChannelDriver string
	ChannelURL    string
	ChannelBase   string
	NATSURL       string
	RedisURL      string

	TypingDebounce     time.Duration
	RemoteTypingExpiry time.Duration
	CommentMaxDepth    int
	AutoReadReceipts   bool

	DatabaseURL string
	WriteLimit  int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// ValidateClient checks the settings a sync client cannot run without.
func (c Config) ValidateClient() error {
	var problems []string
	if strings.TrimSpace(c.ActorID) == "" {
		problems = append(problems, "actor.id is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		problems = append(problems, "api.base_url is required")
	}
	switch c.ChannelDriver {
	case ChannelWebSocket, ChannelMemory:
	case ChannelNATS:
		if c.NATSURL == "" {
			problems = append(problems, "nats.url is required for the nats channel")
		}
	case ChannelRedis:
		if c.RedisURL == "" {
			problems = append(problems, "redis.url is required for the redis channel")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown channel.driver %q", c.ChannelDriver))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("actor.name", "")
	v.SetDefault("api.base_url", "http://127.0.0.1:8080")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("channel.driver", ChannelWebSocket)
	v.SetDefault("channel.url", "ws://127.0.0.1:8080/api/v2/realtime/ws")
	v.SetDefault("channel.base", "gema.sync")
	v.SetDefault("typing.debounce", "2s")
	v.SetDefault("typing.remote_expiry", "6s")
	v.SetDefault("comments.max_depth", 2)
	v.SetDefault("receipts.auto", true)
	v.SetDefault("database.url", "file:gema-sync.db?cache=shared")
	v.SetDefault("server.write_limit", 20)

	apiTimeout, err := parseDuration(v, "api.timeout")
	if err != nil {
		return Config{}, err
	}
	debounce, err := parseDuration(v, "typing.debounce")
	if err != nil {
		return Config{}, err
	}
	remoteExpiry, err := parseDuration(v, "typing.remote_expiry")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("server.port"),
		ActorID:            strings.TrimSpace(v.GetString("actor.id")),
		ActorName:          strings.TrimSpace(v.GetString("actor.name")),
		APIBaseURL:         strings.TrimRight(v.GetString("api.base_url"), "/"),
		APITimeout:         apiTimeout,
		ChannelDriver:      strings.ToLower(v.GetString("channel.driver")),
		ChannelURL:         v.GetString("channel.url"),
		ChannelBase:        v.GetString("channel.base"),
		NATSURL:            v.GetString("nats.url"),
		RedisURL:           v.GetString("redis.url"),
		TypingDebounce:     debounce,
		RemoteTypingExpiry: remoteExpiry,
		CommentMaxDepth:    v.GetInt("comments.max_depth"),
		AutoReadReceipts:   v.GetBool("receipts.auto"),
		DatabaseURL:        v.GetString("database.url"),
		WriteLimit:         v.GetInt("server.write_limit"),
	}

	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 10 * time.Second
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = 2 * time.Second
	}
	if cfg.RemoteTypingExpiry < 0 {
		cfg.RemoteTypingExpiry = 0
	}
	if cfg.CommentMaxDepth <= 0 {
		cfg.CommentMaxDepth = 2
	}
	if cfg.ActorName == "" {
		cfg.ActorName = cfg.ActorID
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
