// Package config provides configuration loading for cpusim.
// Order: defaults -> YAML file (optional) -> CPUSIM_* environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all cpusim settings.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Simulation SimulationConfig `yaml:"simulation"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// GRPCConfig configures the health endpoint. TLS is used when both
// CertFile and KeyFile are set; CAFile additionally requires client
// certificates. Without cert files, a non-empty PKIDir gets a generated
// development CA and mTLS.
type GRPCConfig struct {
	Addr     string `yaml:"addr"`
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
	PKIDir   string `yaml:"pki_dir,omitempty"`
}

type SimulationConfig struct {
	// TickPeriod is the simulated advance per tick and the wall-clock tick interval.
	TickPeriod time.Duration `yaml:"tick_period"`

	// HistorySize bounds the utilization history ring.
	HistorySize int `yaml:"history_size"`

	// ShareNoise is the half-width of the per-unit share jitter, in percentage points.
	ShareNoise float64 `yaml:"share_noise"`

	// MemoryNoise is the half-width of the per-tick memory drift, in MB.
	MemoryNoise float64 `yaml:"memory_noise"`

	// SeedUnits is the number of random units created at startup.
	SeedUnits int `yaml:"seed_units"`

	// Autostart starts the tick source enabled.
	Autostart bool `yaml:"autostart"`
}

// StoreConfig configures the SQLite tick archive. An empty Path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig guards mutating API routes with HS256 bearer tokens when
// JWTSecret is set. Supports ${VAR} syntax.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// String keeps the secret out of logs.
func (a AuthConfig) String() string {
	secret := ""
	if a.JWTSecret != "" {
		secret = "(set)"
	}
	return fmt.Sprintf("AuthConfig{JWTSecret:%s, TokenTTL:%s}", secret, a.TokenTTL)
}

type LoggingConfig struct {
	// Level: "error", "warn", "info" (default), "debug" or "trace".
	Level string `yaml:"level"`

	// Format: "text" (default) or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with the nominal simulation settings.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		GRPC: GRPCConfig{Addr: ":9090", Enabled: true},
		Simulation: SimulationConfig{
			TickPeriod:  time.Second,
			HistorySize: 60,
			ShareNoise:  5,
			MemoryNoise: 2.5,
			SeedUnits:   4,
			Autostart:   true,
		},
		Auth:    AuthConfig{TokenTTL: 15 * time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Auth.JWTSecret = expandEnvVars(cfg.Auth.JWTSecret)
	return cfg, nil
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	if err := validateAddr("http.addr", c.HTTP.Addr); err != nil {
		return err
	}
	if c.GRPC.Enabled {
		if err := validateAddr("grpc.addr", c.GRPC.Addr); err != nil {
			return err
		}
		if (c.GRPC.CertFile == "") != (c.GRPC.KeyFile == "") {
			return fmt.Errorf("grpc.cert_file and grpc.key_file must be set together")
		}
		if c.GRPC.CAFile != "" && c.GRPC.CertFile == "" {
			return fmt.Errorf("grpc.ca_file requires grpc.cert_file and grpc.key_file")
		}
	}
	s := c.Simulation
	if s.TickPeriod <= 0 {
		return fmt.Errorf("simulation.tick_period must be positive, got %v", s.TickPeriod)
	}
	if s.HistorySize <= 0 {
		return fmt.Errorf("simulation.history_size must be positive, got %d", s.HistorySize)
	}
	if s.ShareNoise < 0 || s.MemoryNoise < 0 {
		return fmt.Errorf("simulation noise must be non-negative, got share=%v memory=%v", s.ShareNoise, s.MemoryNoise)
	}
	if s.SeedUnits < 0 {
		return fmt.Errorf("simulation.seed_units must be non-negative, got %d", s.SeedUnits)
	}
	if c.Auth.Enabled() && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %v", c.Auth.TokenTTL)
	}
	validLevels := map[string]bool{"": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: error, warn, info, debug, trace)", c.Logging.Level)
	}
	return nil
}

func validateAddr(field, addr string) error {
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, addr, err)
	} else if port == "" {
		return fmt.Errorf("invalid %s %q: port cannot be empty", field, addr)
	}
	return nil
}

// applyEnvOverrides applies CPUSIM_* environment variables. Unparseable values are ignored.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("CPUSIM_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("CPUSIM_GRPC_ADDR"); v != "" {
		c.GRPC.Addr = v
	}
	if v := os.Getenv("CPUSIM_GRPC_ENABLED"); v != "" {
		c.GRPC.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CPUSIM_GRPC_CERT_FILE"); v != "" {
		c.GRPC.CertFile = v
	}
	if v := os.Getenv("CPUSIM_GRPC_KEY_FILE"); v != "" {
		c.GRPC.KeyFile = v
	}
	if v := os.Getenv("CPUSIM_GRPC_CA_FILE"); v != "" {
		c.GRPC.CAFile = v
	}
	if v := os.Getenv("CPUSIM_PKI_DIR"); v != "" {
		c.GRPC.PKIDir = v
	}
	if v := os.Getenv("CPUSIM_TICK_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Simulation.TickPeriod = d
		}
	}
	if v := os.Getenv("CPUSIM_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Simulation.HistorySize = n
		}
	}
	if v := os.Getenv("CPUSIM_SEED_UNITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Simulation.SeedUnits = n
		}
	}
	if v := os.Getenv("CPUSIM_AUTOSTART"); v != "" {
		c.Simulation.Autostart = v == "true" || v == "1"
	}
	if v := os.Getenv("CPUSIM_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CPUSIM_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("CPUSIM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CPUSIM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// expandEnvVars expands ${VAR} patterns with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
