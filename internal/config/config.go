// Package config loads the gateway's configuration. Environment
// variables are authoritative, matching the teacher's cmd/main.go
// (every setting read via a getEnv/getEnvInt helper with a hardcoded
// default); an optional YAML file may be layered underneath them for
// local development, the way the sortie and go-mizu blueprint repos
// layer a config file under env-var overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the gateway's cmd/main.go needs to wire a
// server.Server. It stays flat and serializable so it can round-trip
// through YAML and environment variables alike; turning it into live
// collaborators (a store.Store, an authz.Authorizer, ...) is the
// entrypoint's job, not this package's.
type Config struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`

	OriginAllowlist     []string      `yaml:"originAllowlist"`
	MaxConnectionsPerIP int           `yaml:"maxConnectionsPerIp"`
	WriteTimeout        time.Duration `yaml:"writeTimeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`

	RateLimitEnabled     bool          `yaml:"rateLimitEnabled"`
	RateLimitMaxRequests int           `yaml:"rateLimitMaxRequests"`
	RateLimitWindow      time.Duration `yaml:"rateLimitWindow"`

	ExposeErrorDetails bool `yaml:"exposeErrorDetails"`

	// IdentityMode is one of "none", "external", "builtin".
	IdentityMode string        `yaml:"identityMode"`
	AdminSecret  string        `yaml:"adminSecret"`
	SessionTTL   time.Duration `yaml:"sessionTtl"`
	BlacklistTTL time.Duration `yaml:"blacklistTtl"`

	// JWTSecret/JWTIssuer configure the external-mode JWT validator used
	// when IdentityMode is "external".
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`

	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`
}

// Defaults returns the gateway's out-of-the-box configuration.
func Defaults() Config {
	return Config{
		Name:                 "corehub-gateway",
		Addr:                 ":8080",
		MaxConnectionsPerIP:  0,
		WriteTimeout:         10 * time.Second,
		ShutdownGracePeriod:  5 * time.Second,
		HeartbeatInterval:    0,
		HeartbeatTimeout:     0,
		RateLimitEnabled:     true,
		RateLimitMaxRequests: 120,
		RateLimitWindow:      time.Minute,
		ExposeErrorDetails:   false,
		IdentityMode:         "builtin",
		SessionTTL:           24 * time.Hour,
		BlacklistTTL:         15 * time.Minute,
		LogLevel:             "info",
		LogPretty:            false,
	}
}

// Load builds the gateway's configuration: defaults, overlaid by
// yamlPath if it names a readable file, overlaid by environment
// variables. yamlPath may be empty, in which case only defaults and
// env vars apply.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if cfg.IdentityMode != "none" && cfg.IdentityMode != "external" && cfg.IdentityMode != "builtin" {
		return Config{}, fmt.Errorf("invalid identityMode %q: must be none, external, or builtin", cfg.IdentityMode)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Name = getEnv("GATEWAY_NAME", cfg.Name)
	cfg.Addr = getEnv("GATEWAY_ADDR", cfg.Addr)
	if v := os.Getenv("GATEWAY_ORIGIN_ALLOWLIST"); v != "" {
		cfg.OriginAllowlist = strings.Split(v, ",")
	}
	cfg.MaxConnectionsPerIP = getEnvInt("GATEWAY_MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP)
	cfg.WriteTimeout = getEnvDuration("GATEWAY_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownGracePeriod = getEnvDuration("GATEWAY_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	cfg.HeartbeatInterval = getEnvDuration("GATEWAY_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = getEnvDuration("GATEWAY_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.RateLimitEnabled = getEnvBool("GATEWAY_RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitMaxRequests = getEnvInt("GATEWAY_RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMaxRequests)
	cfg.RateLimitWindow = getEnvDuration("GATEWAY_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)

	cfg.ExposeErrorDetails = getEnvBool("GATEWAY_EXPOSE_ERROR_DETAILS", cfg.ExposeErrorDetails)

	cfg.IdentityMode = getEnv("GATEWAY_IDENTITY_MODE", cfg.IdentityMode)
	cfg.AdminSecret = getEnv("GATEWAY_ADMIN_SECRET", cfg.AdminSecret)
	cfg.SessionTTL = getEnvDuration("GATEWAY_SESSION_TTL", cfg.SessionTTL)
	cfg.BlacklistTTL = getEnvDuration("GATEWAY_BLACKLIST_TTL", cfg.BlacklistTTL)
	cfg.JWTSecret = getEnv("GATEWAY_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("GATEWAY_JWT_ISSUER", cfg.JWTIssuer)

	cfg.LogLevel = getEnv("GATEWAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("GATEWAY_LOG_PRETTY", cfg.LogPretty)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
