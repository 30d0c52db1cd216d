package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// read loads a YAML file and expands ${VAR} environment variables before
// parsing into out.
func read(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// LoadServer reads a server config file as written, without defaults.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServerAndValidate loads a server config, applies defaults, and
// validates.
func LoadServerAndValidate(path string) (*ServerConfig, error) {
	cfg, err := LoadServer(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadClient reads a client config file as written, without defaults.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClientAndValidate loads a client config, applies defaults, and
// validates.
func LoadClientAndValidate(path string) (*ClientConfig, error) {
	cfg, err := LoadClient(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultClientConfig returns the client defaults without reading a file,
// for running against a local backend with no config.
func DefaultClientConfig() *ClientConfig {
	var cfg ClientConfig
	cfg.applyDefaults()
	return &cfg
}

// DefaultServerConfig returns the server defaults without reading a file.
func DefaultServerConfig() *ServerConfig {
	var cfg ServerConfig
	cfg.applyDefaults()
	return &cfg
}
