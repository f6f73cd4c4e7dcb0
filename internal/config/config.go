package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"

	StorageMemory = "memory"
	StorageNats   = "nats"
)

// Options holds raw settings as they appear in the YAML file, the
// environment and on the command line. NewConfig validates them.
type Options struct {
	Addr           string   `yaml:"addr"`
	DSN            string   `yaml:"dsn"`
	SigningKey     string   `yaml:"signing_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicURL      string   `yaml:"public_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Presence     string `yaml:"presence"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`
	Storage      string `yaml:"storage"`
	NatsURL      string `yaml:"nats_url"`
	JoinAttempts int    `yaml:"join_attempts"`
	JoinWindow   string `yaml:"join_window"`
	SessionTTL   string `yaml:"session_ttl"`
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	PublicURL      string
	LogLevel       string
	LogFormat      string
	Presence       string
	RedisAddr      string
	RedisDB        int
	Storage        string
	NatsURL        string
	JoinAttempts   int
	JoinWindow     time.Duration
	SessionTTL     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Addr:         "localhost:8000",
		DSN:          "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
		PublicURL:    "http://localhost:8000",
		LogLevel:     "info",
		LogFormat:    "text",
		Presence:     PresenceMemory,
		Storage:      StorageMemory,
		NatsURL:      "nats://localhost:4222",
		JoinAttempts: 10,
		JoinWindow:   "1m",
		SessionTTL:   "24h",
	}
}

// LoadFile overlays the YAML file at path onto opts.
func LoadFile(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("unmarshal yaml: %w", err)
	}

	return nil
}

// LoadEnv reads a .env file if one exists and overlays ROOMY_* variables onto opts.
func LoadEnv(opts *Options) {
	_ = godotenv.Load()

	setString(&opts.Addr, "ROOMY_ADDR")
	setString(&opts.DSN, "ROOMY_DSN")
	setString(&opts.SigningKey, "ROOMY_SIGNING_KEY")
	setString(&opts.PublicURL, "ROOMY_PUBLIC_URL")
	setString(&opts.LogLevel, "ROOMY_LOG_LEVEL")
	setString(&opts.LogFormat, "ROOMY_LOG_FORMAT")
	setString(&opts.Presence, "ROOMY_PRESENCE")
	setString(&opts.RedisAddr, "ROOMY_REDIS_ADDR")
	setString(&opts.Storage, "ROOMY_STORAGE")
	setString(&opts.NatsURL, "ROOMY_NATS_URL")
	setString(&opts.JoinWindow, "ROOMY_JOIN_WINDOW")
	setString(&opts.SessionTTL, "ROOMY_SESSION_TTL")

	if v := os.Getenv("ROOMY_ALLOWED_ORIGINS"); v != "" {
		opts.AllowedOrigins = strings.Split(v, ",")
	}
	if v, err := strconv.Atoi(os.Getenv("ROOMY_REDIS_DB")); err == nil {
		opts.RedisDB = v
	}
	if v, err := strconv.Atoi(os.Getenv("ROOMY_JOIN_ATTEMPTS")); err == nil {
		opts.JoinAttempts = v
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(opts Options) (*Config, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	switch opts.Presence {
	case PresenceMemory:
	case PresenceRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis presence requires a redis address")
		}
	default:
		return nil, fmt.Errorf("unknown presence backend %q", opts.Presence)
	}

	switch opts.Storage {
	case StorageMemory:
	case StorageNats:
		if opts.NatsURL == "" {
			return nil, fmt.Errorf("nats storage requires a nats url")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Storage)
	}

	joinWindow, err := time.ParseDuration(opts.JoinWindow)
	if err != nil {
		return nil, fmt.Errorf("parse join window: %w", err)
	}

	sessionTTL, err := time.ParseDuration(opts.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("parse session ttl: %w", err)
	}

	return &Config{
		ServerAddr:     opts.Addr,
		DatabaseDSN:    opts.DSN,
		SigningKey:     signingKey,
		AllowedOrigins: opts.AllowedOrigins,
		PublicURL:      strings.TrimRight(opts.PublicURL, "/"),
		LogLevel:       opts.LogLevel,
		LogFormat:      opts.LogFormat,
		Presence:       opts.Presence,
		RedisAddr:      opts.RedisAddr,
		RedisDB:        opts.RedisDB,
		Storage:        opts.Storage,
		NatsURL:        opts.NatsURL,
		JoinAttempts:   opts.JoinAttempts,
		JoinWindow:     joinWindow,
		SessionTTL:     sessionTTL,
	}, nil
}
