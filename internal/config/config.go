// Package config loads the optional chute configuration file from the
// XDG config directory. Every scalar field is a pointer so the CLI can
// tell "unset" apart from a zero value and let flags win.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional chute configuration file.
type Config struct {
	Serve  ServeConfig  `toml:"serve"`
	Fetch  FetchConfig  `toml:"fetch"`
	Engine EngineConfig `toml:"engine"`
	Log    LogConfig    `toml:"log"`
}

// ServeConfig holds persistent defaults for the serve command.
type ServeConfig struct {
	Listen         *string  `toml:"listen"`
	QUICListen     *string  `toml:"quic_listen"`
	Root           *string  `toml:"root"`
	TLS            *bool    `toml:"tls"`
	CertFile       *string  `toml:"cert_file"`
	KeyFile        *string  `toml:"key_file"`
	AuthorizedKeys *string  `toml:"authorized_keys"`
	BWLimit        *string  `toml:"bwlimit"`
	Allow          []string `toml:"allow"`
	Deny           []string `toml:"deny"`
	MaxFileSize    *string  `toml:"max_file_size"`
}

// FetchConfig holds persistent defaults for the fetch command.
type FetchConfig struct {
	TLS         *bool   `toml:"tls"`
	QUIC        *bool   `toml:"quic"`
	Fingerprint *string `toml:"fingerprint"`
	Identity    *string `toml:"identity"`
	Compression *string `toml:"compression"`
}

// EngineConfig holds transfer engine tuning.
type EngineConfig struct {
	BufferSize      *string `toml:"buffer_size"`
	ChunkCap        *string `toml:"chunk_cap"`
	IdleRetryBudget *int    `toml:"idle_retry_budget"`
	MinZeroCopySize *string `toml:"min_zero_copy_size"`
	ZeroCopy        *bool   `toml:"zero_copy"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level *string `toml:"level"`
	JSON  *bool   `toml:"json"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chute", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
