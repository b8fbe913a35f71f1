package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	envPrefix = "ROOMS_"
)

var (
	ErrUnknownStore = errors.New("unknown room store")
)

type Config struct {
	APIListenAddr     string
	WSListenAddr      string
	LogLevel          string
	Store             string
	RedisAddr         string
	RedisPrefix       string
	CredentialSecret  string
	CredentialTTL     time.Duration
	RequireCredential bool
}

// LoadDotEnv loads variables from a .env file if one is present.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Parse builds the broker configuration from command line arguments.
// Every flag defaults to its ROOMS_* environment variable.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	cfg := &Config{}

	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a",
		envOrDefault("API_LISTEN_ADDR", ":8080"), "room api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w",
		envOrDefault("WS_LISTEN_ADDR", ":8888"), "websocket broker listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l",
		envOrDefault("LOG_LEVEL", "debug"), "log level")
	fs.StringVar(&cfg.Store, "store",
		envOrDefault("STORE", StoreMemory), "room store backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr",
		envOrDefault("REDIS_ADDR", "localhost:6379"), "redis address for the redis store")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix",
		envOrDefault("REDIS_PREFIX", "webrtc-rooms:"), "redis key prefix")
	fs.StringVar(&cfg.CredentialSecret, "credential-secret",
		envOrDefault("CREDENTIAL_SECRET", ""), "credential signing secret, random if empty")
	fs.DurationVar(&cfg.CredentialTTL, "credential-ttl",
		envDuration("CREDENTIAL_TTL", time.Hour), "credential lifetime")
	fs.BoolVar(&cfg.RequireCredential, "require-credential",
		envBool("REQUIRE_CREDENTIAL", false), "require credential to attach")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Store != StoreMemory && cfg.Store != StoreRedis {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, cfg.Store)
	}
	if cfg.CredentialSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.CredentialSecret = secret
	}
	return cfg, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cannot generate credential secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(envPrefix + key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if env, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(env); err == nil {
			return parsed
		}
	}
	return def
}
