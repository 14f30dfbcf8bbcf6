package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trifle-io/cube-mcp/internal/cube"
	"github.com/trifle-io/cube-mcp/internal/usage"
)

const configEnvVar = "CUBE_MCP_CONFIG"

// Config holds all settings. Priority: flags > env > config file > defaults.
type Config struct {
	Cube   CubeConfig    `mapstructure:"cube"`
	Log    LogConfig     `mapstructure:"log"`
	Server ServerConfig  `mapstructure:"server"`
	Usage  usage.Options `mapstructure:"usage"`

	// Path of the config file that was read, empty when none was found.
	Path string `mapstructure:"-"`
}

type CubeConfig struct {
	API APIConfig `mapstructure:"api"`
}

type APIConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Secret       string        `mapstructure:"secret"`
	TokenPayload string        `mapstructure:"token_payload"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	Addr      string `mapstructure:"addr"`
}

// flagBindings maps persistent flag names to config keys.
var flagBindings = map[string]string{
	"endpoint":  "cube.api.endpoint",
	"timeout":   "cube.api.timeout",
	"log-level": "log.level",
	"log-file":  "log.file",
	"transport": "server.transport",
	"addr":      "server.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cube.api.endpoint", "")
	v.SetDefault("cube.api.secret", "")
	v.SetDefault("cube.api.token_payload", "{}")
	v.SetDefault("cube.api.timeout", cube.DefaultTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.addr", ":8080")

	// Every usage key needs a default so the env override is visible to Unmarshal.
	v.SetDefault("usage.driver", "")
	v.SetDefault("usage.db_path", "")
	v.SetDefault("usage.dsn", "")
	v.SetDefault("usage.host", "")
	v.SetDefault("usage.port", "")
	v.SetDefault("usage.user", "")
	v.SetDefault("usage.password", "")
	v.SetDefault("usage.database", "")
	v.SetDefault("usage.table", "")
	v.SetDefault("usage.collection", "")
	v.SetDefault("usage.prefix", "")
	v.SetDefault("usage.joined", "full")
	v.SetDefault("usage.separator", "::")
	v.SetDefault("usage.time_zone", "UTC")
	v.SetDefault("usage.week_start", "monday")
	v.SetDefault("usage.granularities", "")
	v.SetDefault("usage.buffer_mode", "off")
	v.SetDefault("usage.buffer_drivers", "")
	v.SetDefault("usage.buffer_duration", time.Second)
	v.SetDefault("usage.buffer_size", 256)
	v.SetDefault("usage.buffer_aggregate", true)
	v.SetDefault("usage.buffer_async", false)
}

// loadConfig resolves the config file, layers env and flags over it and
// returns the merged settings. cmd may be nil.
func loadConfig(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	resolved, required, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" && !required {
		if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
			resolved = ""
		}
	}
	if resolved != "" {
		v.SetConfigFile(resolved)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", resolved, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for name, key := range flagBindings {
			flag := cmd.Flags().Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Path = resolved
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Cube.API.Endpoint = strings.TrimSpace(c.Cube.API.Endpoint)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Server.Transport = strings.ToLower(strings.TrimSpace(c.Server.Transport))
	if c.Cube.API.Timeout <= 0 {
		c.Cube.API.Timeout = cube.DefaultTimeout
	}
}

// validateEngine reports settings without which no engine request can be made.
func (c *Config) validateEngine() error {
	var missing []string
	if c.Cube.API.Endpoint == "" {
		missing = append(missing, "cube.api.endpoint (CUBE_API_ENDPOINT)")
	}
	if c.Cube.API.Secret == "" {
		missing = append(missing, "cube.api.secret (CUBE_API_SECRET)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) validateServer() error {
	switch c.Server.Transport {
	case "stdio":
		return nil
	case "http":
		if strings.TrimSpace(c.Server.Addr) == "" {
			return fmt.Errorf("server.addr is required for the http transport")
		}
		return nil
	default:
		return fmt.Errorf("unsupported transport: %s (expected stdio or http)", c.Server.Transport)
	}
}

// resolveConfigPath returns the file to read and whether it must exist. An
// explicit path or $CUBE_MCP_CONFIG must exist; the default location may not.
func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) != "" {
		expanded, err := expandPath(strings.TrimSpace(path))
		return expanded, true, err
	}
	if env := strings.TrimSpace(os.Getenv(configEnvVar)); env != "" {
		expanded, err := expandPath(env)
		return expanded, true, err
	}

	fallback, err := defaultConfigPath()
	if err != nil {
		return "", false, nil
	}
	return fallback, false, nil
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cube-mcp", "config.yaml"), nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
