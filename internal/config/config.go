package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig configures the reference authority.
type ServerConfig struct {
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	Token   string `yaml:"token"`
	Project string `yaml:"project" validate:"required"`
	// OpenCommand runs when a client asks to open an instance externally.
	// {name}, {class} and {id} are substituted in each argument.
	OpenCommand    []string      `yaml:"open_command"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MessageHistory int           `yaml:"message_history" validate:"min=1"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// SessionConfig configures the watch client.
type SessionConfig struct {
	ServerURL             string `yaml:"server_url" validate:"required,url"`
	Token                 string `yaml:"token"`
	TwoWaySync            bool   `yaml:"two_way_sync"`
	OpenScriptsExternally bool   `yaml:"open_scripts_externally"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           34872,
			Project:        "default.project.yaml",
			MessageHistory: 1024,
			ReloadDebounce: 100 * time.Millisecond,
		},
		Session: SessionConfig{
			ServerURL: "http://127.0.0.1:34872",
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
