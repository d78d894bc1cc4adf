// Copyright 2025 Sophic Technical Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the daemon configuration.
type Config struct {
	// InstallPrefix is the installation prefix substituted for %B in
	// helper binary path templates.
	// Default: the directory of the running executable.
	InstallPrefix string `yaml:"install_prefix,omitempty"`

	// HelperBinaryPaths is the ordered list of directory templates searched
	// for helper binaries. %B expands to InstallPrefix.
	// Default: ["%B"]
	HelperBinaryPaths []string `yaml:"helper_binary_path,omitempty"`

	External ExternalConfig `yaml:"external"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// ExternalConfig configures external endpoint behavior.
type ExternalConfig struct {
	// PingInterval is the watchdog ping cadence.
	// Default: 5s
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`

	// PongTimeoutMultiple is the number of ping intervals without a PONG
	// before the worker is declared unresponsive.
	// Default: 5
	PongTimeoutMultiple int `yaml:"pong_timeout_multiple,omitempty"`

	// MaxFrameSize is the largest accepted frame payload in bytes.
	// Default: 8 MiB
	MaxFrameSize uint32 `yaml:"max_frame_size,omitempty"`

	// DevWatch enables restarting IPC helpers when their binary changes
	// on disk. Intended for helper development only.
	// Default: false
	DevWatch bool `yaml:"dev_watch,omitempty"`
}

// HTTPConfig configures the embedded HTTP server.
type HTTPConfig struct {
	// ListenAddr is the bind address for the HTTP server.
	// Default: 127.0.0.1:2501
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// AuthSecret is the HMAC secret for session token signing.
	// Environment: KISMET_AUTH_SECRET
	AuthSecret string `yaml:"auth_secret,omitempty"`

	// AuthTokenTTL is the default lifetime for minted session tokens.
	// Zero means no expiry.
	AuthTokenTTL time.Duration `yaml:"auth_token_ttl,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		HelperBinaryPaths: []string{"%B"},
		External: ExternalConfig{
			PingInterval:        5 * time.Second,
			PongTimeoutMultiple: 5,
			MaxFrameSize:        8 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:2501",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file and applies defaults and environment
// overrides. A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return applyEnv(cfg), nil
}

// applyDefaults fills zero-valued fields after unmarshal.
func applyDefaults(cfg *Config) {
	def := Default()

	if len(cfg.HelperBinaryPaths) == 0 {
		cfg.HelperBinaryPaths = def.HelperBinaryPaths
	}
	if cfg.External.PingInterval == 0 {
		cfg.External.PingInterval = def.External.PingInterval
	}
	if cfg.External.PongTimeoutMultiple == 0 {
		cfg.External.PongTimeoutMultiple = def.External.PongTimeoutMultiple
	}
	if cfg.External.MaxFrameSize == 0 {
		cfg.External.MaxFrameSize = def.External.MaxFrameSize
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = def.HTTP.ListenAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if secret := os.Getenv("KISMET_AUTH_SECRET"); secret != "" {
		cfg.HTTP.AuthSecret = secret
	}
	return cfg
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.External.PingInterval < 0 {
		return fmt.Errorf("%w: ping_interval must not be negative", ErrInvalidConfig)
	}
	if c.External.PongTimeoutMultiple < 0 {
		return fmt.Errorf("%w: pong_timeout_multiple must not be negative", ErrInvalidConfig)
	}
	for _, p := range c.HelperBinaryPaths {
		if p == "" {
			return fmt.Errorf("%w: helper_binary_path entries must not be empty", ErrInvalidConfig)
		}
	}
	return nil
}

// ExpandHelperPaths returns HelperBinaryPaths with %B expanded against the
// install prefix. When InstallPrefix is unset, the directory containing the
// running executable is used.
func (c *Config) ExpandHelperPaths() []string {
	prefix := c.InstallPrefix
	if prefix == "" {
		if exe, err := os.Executable(); err == nil {
			prefix = filepath.Dir(exe)
		}
	}

	out := make([]string, 0, len(c.HelperBinaryPaths))
	for _, p := range c.HelperBinaryPaths {
		out = append(out, strings.ReplaceAll(p, "%B", prefix))
	}
	return out
}
