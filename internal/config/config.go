package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "COLLEGIUM_"

// Cache backends accepted by CacheBackend.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds process-wide settings loaded once at startup.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	DatabaseURL string `yaml:"database_url"`

	CacheBackend string `yaml:"cache_backend"`
	RedisURL     string `yaml:"redis_url"`

	TokenSecret string        `yaml:"token_secret"`
	TokenIssuer string        `yaml:"token_issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	OTPTTL          time.Duration `yaml:"otp_ttl"`
	OTPLength       int           `yaml:"otp_length"`
	OTPVerifyPerMin int           `yaml:"otp_verify_per_minute"`
	OTPWebhookURL   string        `yaml:"otp_webhook_url"`

	ProfileTTL  time.Duration `yaml:"profile_ttl"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	LogLevel    string        `yaml:"log_level"`
	RateBurst   int           `yaml:"rate_burst"`
	RatePerSec  int           `yaml:"rate_per_sec"`
	MaxBodySize int64         `yaml:"max_body_bytes"`
}

// Defaults returns the baseline configuration before file and environment overrides.
func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		CacheBackend:    CacheMemory,
		TokenIssuer:     "collegium",
		TokenTTL:        30 * time.Minute,
		OTPTTL:          5 * time.Minute,
		OTPLength:       6,
		OTPVerifyPerMin: 10,
		ProfileTTL:      5 * time.Minute,
		OpTimeout:       2 * time.Second,
		LogLevel:        "info",
		RateBurst:       20,
		RatePerSec:      10,
		MaxBodySize:     1 << 20,
	}
}

// Load builds the configuration: defaults, then the optional YAML file named by
// COLLEGIUM_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenv("GRPC_ADDR", c.GRPCAddr)
	c.DatabaseURL = getenv("PG_DSN", c.DatabaseURL)
	c.CacheBackend = strings.ToLower(getenv("CACHE_BACKEND", c.CacheBackend))
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.TokenSecret = getenvSecret("AUTH_SECRET", c.TokenSecret)
	c.TokenIssuer = getenv("TOKEN_ISSUER", c.TokenIssuer)
	c.TokenTTL = getenvDuration("TOKEN_TTL", c.TokenTTL)
	c.OTPTTL = getenvDuration("OTP_TTL", c.OTPTTL)
	c.OTPLength = getenvInt("OTP_LENGTH", c.OTPLength)
	c.OTPVerifyPerMin = getenvInt("OTP_VERIFY_PER_MINUTE", c.OTPVerifyPerMin)
	c.OTPWebhookURL = getenv("OTP_WEBHOOK_URL", c.OTPWebhookURL)
	c.ProfileTTL = getenvDuration("PROFILE_TTL", c.ProfileTTL)
	c.OpTimeout = getenvDuration("OP_TIMEOUT", c.OpTimeout)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.RateBurst = getenvInt("RATE_BURST", c.RateBurst)
	c.RatePerSec = getenvInt("RATE_PER_SEC", c.RatePerSec)
	c.MaxBodySize = int64(getenvInt("MAX_BODY_BYTES", int(c.MaxBodySize)))
}

// Validate checks invariants the rest of the process relies on.
func (c Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) == 0 {
		errs = append(errs, errors.New("token secret is required (COLLEGIUM_AUTH_SECRET)"))
	} else if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("token secret must be at least 32 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, errors.New("otp ttl must be positive"))
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		errs = append(errs, fmt.Errorf("otp length %d outside 4..10", c.OTPLength))
	}
	if c.ProfileTTL <= 0 {
		errs = append(errs, errors.New("profile ttl must be positive"))
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}
	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			errs = append(errs, errors.New("redis url is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(envPrefix + key)); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(envPrefix + key); val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(envPrefix + key); val != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(envPrefix + key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// getenvSecret prefers KEY_FILE (mounted secret) over KEY.
func getenvSecret(key, fallback string) string {
	if file := strings.TrimSpace(os.Getenv(envPrefix + key + "_FILE")); file != "" {
		if data, err := os.ReadFile(file); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	if val := os.Getenv(envPrefix + key); val != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}
