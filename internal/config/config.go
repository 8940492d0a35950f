// Package config provides centralized configuration management for the
// relay. Configuration is loaded from RELAY_* environment variables with
// sensible defaults; required values missing or malformed cause the
// application to fail fast with every problem reported at once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	ListenPort int
	BaseDomain string

	JWTSecret string

	StoreBackend       string // "memory" or "remote-kv"
	StoreKubeNamespace string
	StoreKubeconfig    string

	SessionTTL time.Duration

	HTTPTimeoutPage  time.Duration
	HTTPTimeoutAsset time.Duration
	BridgeTimeout    time.Duration

	PendingPerDesktopMax int

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors accumulates every validation problem found, rather than
// failing on the first one.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	joined := msgs[0]
	for _, m := range msgs[1:] {
		joined += "\n  - " + m
	}
	return fmt.Sprintf("configuration errors:\n  - %s", joined)
}

// Default values.
const (
	DefaultListenPort           = 3790
	DefaultBaseDomain           = "relay.local"
	DefaultStoreBackend         = "memory"
	DefaultStoreKubeNamespace   = "default"
	DefaultSessionTTL           = 1 * time.Hour
	DefaultHTTPTimeoutPage      = 30 * time.Second
	DefaultHTTPTimeoutAsset     = 60 * time.Second
	DefaultBridgeTimeout        = 30 * time.Second
	DefaultPendingPerDesktopMax = 1000
	DefaultRateLimitPerSecond   = 5.0
	DefaultRateLimitBurst       = 10
)

// Load reads configuration from environment variables, applies defaults,
// and validates the result. Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		ListenPort:           DefaultListenPort,
		BaseDomain:           DefaultBaseDomain,
		StoreBackend:         DefaultStoreBackend,
		StoreKubeNamespace:   DefaultStoreKubeNamespace,
		SessionTTL:           DefaultSessionTTL,
		HTTPTimeoutPage:      DefaultHTTPTimeoutPage,
		HTTPTimeoutAsset:     DefaultHTTPTimeoutAsset,
		BridgeTimeout:        DefaultBridgeTimeout,
		PendingPerDesktopMax: DefaultPendingPerDesktopMax,
		RateLimitPerSecond:   DefaultRateLimitPerSecond,
		RateLimitBurst:       DefaultRateLimitBurst,
	}

	var errs ValidationErrors
	if err := cfg.loadFromEnv(); err != nil {
		parseErrs, ok := err.(ValidationErrors)
		if !ok {
			return nil, err
		}
		errs = append(errs, parseErrs...)
	}

	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("RELAY_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"RELAY_LISTEN_PORT", fmt.Sprintf("invalid port: %q (must be an integer)", v)})
		} else {
			c.ListenPort = port
		}
	}

	if v := os.Getenv("RELAY_BASE_DOMAIN"); v != "" {
		c.BaseDomain = v
	}

	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}

	if v := os.Getenv("RELAY_STORE_BACKEND"); v != "" {
		c.StoreBackend = v
	}

	if v := os.Getenv("RELAY_STORE_KUBE_NAMESPACE"); v != "" {
		c.StoreKubeNamespace = v
	}

	if v := os.Getenv("KUBECONFIG"); v != "" {
		c.StoreKubeconfig = v
	}

	if v := os.Getenv("RELAY_SESSION_TTL_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_SESSION_TTL_SECONDS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.SessionTTL = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("RELAY_HTTP_TIMEOUT_PAGE_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_HTTP_TIMEOUT_PAGE_SECONDS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.HTTPTimeoutPage = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("RELAY_HTTP_TIMEOUT_ASSET_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_HTTP_TIMEOUT_ASSET_SECONDS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.HTTPTimeoutAsset = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("RELAY_BRIDGE_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_BRIDGE_TIMEOUT_SECONDS", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.BridgeTimeout = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("RELAY_PENDING_PER_DESKTOP_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_PENDING_PER_DESKTOP_MAX", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.PendingPerDesktopMax = n
		}
	}

	if v := os.Getenv("RELAY_RATE_LIMIT_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_RATE_LIMIT_PER_SECOND", fmt.Sprintf("must be a positive number, got %q", v)})
		} else {
			c.RateLimitPerSecond = f
		}
	}

	if v := os.Getenv("RELAY_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{"RELAY_RATE_LIMIT_BURST", fmt.Sprintf("must be a positive integer, got %q", v)})
		} else {
			c.RateLimitBurst = n
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks invariants that loadFromEnv's per-field parsing cannot
// express (cross-field requirements, required-but-unset secrets).
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, ValidationError{"RELAY_LISTEN_PORT", fmt.Sprintf("port must be between 1 and 65535, got %d", c.ListenPort)})
	}

	if c.BaseDomain == "" {
		errs = append(errs, ValidationError{"RELAY_BASE_DOMAIN", "base domain cannot be empty"})
	}

	if len(c.JWTSecret) < 32 {
		errs = append(errs, ValidationError{"RELAY_JWT_SECRET", "must be set and at least 32 characters"})
	}

	switch c.StoreBackend {
	case "memory", "remote-kv":
	default:
		errs = append(errs, ValidationError{"RELAY_STORE_BACKEND", fmt.Sprintf("must be %q or %q, got %q", "memory", "remote-kv", c.StoreBackend)})
	}

	return errs
}

// MustLoad loads configuration and exits the process if it fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
