// Package config loads the environment-driven settings shared by the
// Session Manager and Gateway binaries (§6.3), with an optional YAML
// overlay for non-secret operator defaults. Environment variables always
// take precedence over the file, matching the teacher's Load-then-override
// pattern (github.com/joho/godotenv) in main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized environment variable from §6.3 plus the
// ambient additions (log level, registry DSN, JWT signing key).
type Config struct {
	// SMHost/SMPort is where the Session Manager listens.
	SMHost string `yaml:"smHost"`
	SMPort int    `yaml:"smPort"`

	// GatewayHost/GatewayPort is where the Gateway listens.
	GatewayHost string `yaml:"gatewayHost"`
	GatewayPort int    `yaml:"gatewayPort"`

	// SMBaseURL is how the Gateway reaches the Session Manager (http(s)://host:port).
	SMBaseURL string `yaml:"smBaseURL"`

	// RegistryPath is the sqlite DSN/file path for the Session Registry (§4.C).
	RegistryPath string `yaml:"registryPath"`

	// MaxScrollback bounds the per-session ring buffer (§3, default 10000).
	MaxScrollback int `yaml:"maxScrollback"`

	// LogLevel is parsed by logrus.ParseLevel ("debug", "info", "warn", "error").
	LogLevel string `yaml:"logLevel"`

	// MuxSessionPrefix is the reserved multiplexer session-name prefix (§4.H).
	MuxSessionPrefix string `yaml:"muxSessionPrefix"`

	// MuxBinary is the external multiplexer executable (e.g. "tmux").
	MuxBinary string `yaml:"muxBinary"`

	// ShellCommand is the command line launched inside the PTY for kind=shell sessions.
	ShellCommand string `yaml:"shellCommand"`

	// AgentCommand is the coding agent CLI launched inside the PTY for kind=agent sessions.
	AgentCommand string `yaml:"agentCommand"`

	// JWTSigningKey verifies gateway bearer tokens (§4.G, §7). Required for gatewayd.
	JWTSigningKey string `yaml:"-"`

	// ReconcileTimeout, plus one second, bounds the whole startup
	// reconciliation pass in sessiond (default 5s). The Reconciler caps its
	// multiplexer probes at 5s on its own, whatever this is set to.
	ReconcileTimeout time.Duration `yaml:"-"`
}

// Default returns the baseline configuration before any overlay is applied.
func Default() Config {
	return Config{
		SMHost:           "127.0.0.1",
		SMPort:           7531,
		GatewayHost:      "0.0.0.0",
		GatewayPort:      7530,
		SMBaseURL:        "http://127.0.0.1:7531",
		RegistryPath:     "sessions.db",
		MaxScrollback:    10000,
		LogLevel:         "info",
		MuxSessionPrefix: "tf-",
		MuxBinary:        "tmux",
		ShellCommand:     "/bin/sh",
		AgentCommand:     "agent",
		ReconcileTimeout: 5 * time.Second,
	}
}

// Load builds a Config by layering, in increasing priority: defaults, an
// optional YAML file (path from TERMFABRIC_CONFIG_FILE), a .env file in the
// working directory, and real process environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("TERMFABRIC_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		// Not fatal: the operator may configure entirely via real env vars.
		_ = err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("SM_HOST", &cfg.SMHost)
	num("SM_PORT", &cfg.SMPort)
	str("GATEWAY_HOST", &cfg.GatewayHost)
	num("GATEWAY_PORT", &cfg.GatewayPort)
	str("SM_BASE_URL", &cfg.SMBaseURL)
	str("REGISTRY_PATH", &cfg.RegistryPath)
	num("MAX_SCROLLBACK", &cfg.MaxScrollback)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("MUX_SESSION_PREFIX", &cfg.MuxSessionPrefix)
	str("MUX_BINARY", &cfg.MuxBinary)
	str("SHELL_COMMAND", &cfg.ShellCommand)
	str("AGENT_COMMAND", &cfg.AgentCommand)
	str("JWT_SIGNING_KEY", &cfg.JWTSigningKey)

	if v := os.Getenv("RECONCILE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconcileTimeout = time.Duration(n) * time.Second
		}
	}
}

// SMAddr returns the listen address for the Session Manager.
func (c Config) SMAddr() string {
	return fmt.Sprintf("%s:%d", c.SMHost, c.SMPort)
}

// GatewayAddr returns the listen address for the Gateway.
func (c Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}
