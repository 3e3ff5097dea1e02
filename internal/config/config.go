package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Audit    AuditConfig    `toml:"audit"`
	MCP      MCPConfig      `toml:"mcp"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	// KeyringPath is a TOML file mapping API keys to display users,
	// normally produced by the setup command.
	KeyringPath string `toml:"keyring_path" split_words:"true"`
}

type AuditConfig struct {
	// WritesLog receives one line per written record.
	WritesLog string `toml:"writes_log" split_words:"true"`
	// ErrorDir receives one file per failed request for operator diagnosis.
	ErrorDir string `toml:"error_dir" split_words:"true"`
}

type MCPConfig struct {
	// User is the identity attributed to writes made through MCP tools.
	User string `toml:"user"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Path: "data/edkarma.db",
		},
		Auth: AuthConfig{
			KeyringPath: "data/keys.toml",
		},
		Audit: AuditConfig{
			WritesLog: "data/writes.log",
			ErrorDir:  "data/errors",
		},
		MCP: MCPConfig{
			User: "mcp-local",
		},
	}
}

// Load overlays the TOML file at path (if any) on the defaults, then applies
// EDKARMA_* environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := envconfig.Process("edkarma", cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}
