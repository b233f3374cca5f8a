// Package config resolves cynagorad's runtime configuration: socket
// addresses, database directory, log level and the recursion depth
// limit.
//
// Grounded on the teacher's flag/env handling in cmd/warren/main.go
// (PersistentFlags read at cobra.OnInitialize time) and on
// original_source/src/main-cynagorad.c / settings.c for the env var
// names and precedence order: explicit flag > environment variable >
// optional YAML settings file > compiled default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSocketDir   = "unix:/var/run/cynagora"
	DefaultCheckSocket = DefaultSocketDir + "/cynagora.check"
	DefaultAdminSocket = DefaultSocketDir + "/cynagora.admin"
	DefaultAgentSocket = DefaultSocketDir + "/cynagora.agent"
	DefaultDBDir       = "/var/lib/cynagora"
	DefaultMaxDepth    = 10
	DefaultLogLevel    = "info"
)

// Config holds the daemon's resolved settings.
type Config struct {
	CheckSocket string `yaml:"check_socket"`
	AdminSocket string `yaml:"admin_socket"`
	AgentSocket string `yaml:"agent_socket"`
	DBDir       string `yaml:"db_dir"`
	MaxDepth    int    `yaml:"max_depth"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config populated with compiled-in defaults.
func Default() Config {
	return Config{
		CheckSocket: DefaultCheckSocket,
		AdminSocket: DefaultAdminSocket,
		AgentSocket: DefaultAgentSocket,
		DBDir:       DefaultDBDir,
		MaxDepth:    DefaultMaxDepth,
		LogLevel:    DefaultLogLevel,
	}
}

// LoadFile reads an optional YAML settings file and overlays it on top
// of cfg. A missing file is not an error, matching settings.c which
// runs on compiled defaults when no settings file is present.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// overlayEnv applies environment variables over cfg, matching
// main-cynagorad.c's precedence: flags beat environment, environment
// beats the settings file and compiled defaults. Callers apply flags
// after this.
func overlayEnv(cfg Config) Config {
	if v := os.Getenv("CYNAGORA_SOCKET_CHECK"); v != "" {
		cfg.CheckSocket = v
	}
	if v := os.Getenv("CYNAGORA_SOCKET_ADMIN"); v != "" {
		cfg.AdminSocket = v
	}
	if v := os.Getenv("CYNAGORA_SOCKET_AGENT"); v != "" {
		cfg.AgentSocket = v
	}
	if v := os.Getenv("CYNAGORA_DB_DIR"); v != "" {
		cfg.DBDir = v
	}
	if v := os.Getenv("CYNAGORA_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDepth = n
		}
	}
	if v := os.Getenv("CYNAGORA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// Load resolves the full precedence chain: compiled defaults, then the
// optional settings file at settingsPath, then environment variables.
// Flags are applied by the caller after Load returns, since they are
// cobra-bound rather than something this package reads directly.
func Load(settingsPath string) (Config, error) {
	cfg, err := LoadFile(Default(), settingsPath)
	if err != nil {
		return cfg, err
	}
	return overlayEnv(cfg), nil
}
