// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads and validates the Runmaster configuration. The main
// runmaster.yaml is read through viper (file, environment, flags, in that
// order of increasing precedence) into a typed Config that is read-only after
// load. The hosts inventory lives in its own strictly-parsed file; see
// inventory.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Database Database `mapstructure:"database" yaml:"database"`
	Log      Log      `mapstructure:"log" yaml:"log"`
	Keystore Keystore `mapstructure:"keystore" yaml:"keystore"`
	Policy   Policy   `mapstructure:"policy" yaml:"policy"`

	// HostsFile points at the strictly-parsed hosts inventory.
	HostsFile string `mapstructure:"hosts_file" yaml:"hosts_file"`

	// InsecureAcceptNew pins unknown host keys on first contact instead of
	// failing closed. Lab bootstrap only; every use is audited.
	InsecureAcceptNew bool `mapstructure:"insecure_accept_new" yaml:"insecure_accept_new"`
}

// Database selects the audit/pin store backend.
type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// Log mirrors logging.Config in serializable form.
type Log struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// Keystore locates the encrypted key containers and the KEK source.
type Keystore struct {
	Path   string `mapstructure:"path" yaml:"path"`
	KEKEnv string `mapstructure:"kek_env" yaml:"kek_env"`
}

// Policy holds the execution policy applied to every operation.
type Policy struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	DefaultRetries    int           `mapstructure:"default_retries" yaml:"default_retries"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	RotationInterval  time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`
	ChecksumAlgorithm string        `mapstructure:"checksum_algorithm" yaml:"checksum_algorithm"`
	// AllowedHostIDs optionally narrows the inventory to a subset. Empty
	// means every inventory entry is eligible.
	AllowedHostIDs []string `mapstructure:"allowed_host_ids" yaml:"allowed_host_ids,omitempty"`
}

// Defaults returns the viper defaults for every configurable key.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":             "sqlite",
		"database.dsn":              "./runmaster.db",
		"log.level":                 "info",
		"log.file":                  "",
		"log.console":               true,
		"keystore.path":             "./keys",
		"keystore.kek_env":          "RUNMASTER_KEK",
		"hosts_file":                "./hosts.yaml",
		"insecure_accept_new":       false,
		"policy.default_timeout":    "30s",
		"policy.default_retries":    3,
		"policy.connect_timeout":    "10s",
		"policy.idle_ttl":           "5m",
		"policy.rotation_interval":  "720h",
		"policy.checksum_algorithm": "sha256",
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Runmaster")
		default: // Linux, macOS, etc.
			configDir = "/etc/runmaster"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "runmaster")
	}

	return filepath.Join(configDir, "runmaster.yaml"), nil
}

// LoadConfig reads configuration into an arbitrary target type. Precedence,
// lowest to highest: defaults, config file, RUNMASTER_* environment
// variables, bound command-line flags. A missing config file is not an error
// unless an explicit path was requested.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, explicitConfigPath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("runmaster")
	v.SetConfigType("yaml")

	// An explicit --config path has the highest precedence for file-based
	// configuration, and missing files become hard errors.
	if explicitConfigPath != nil {
		v.SetConfigFile(*explicitConfigPath)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("runmaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return c, err
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// Load reads, validates and returns the application configuration.
func Load(cmd *cobra.Command, explicitConfigPath string) (*Config, error) {
	var pathPtr *string
	if explicitConfigPath != "" {
		pathPtr = &explicitConfigPath
	}
	c, err := LoadConfig[Config](cmd, Defaults(), pathPtr)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultConfig returns a Config populated purely from Defaults().
func DefaultConfig() Config {
	c, err := LoadConfig[Config](&cobra.Command{}, Defaults(), nil)
	if err != nil {
		// Defaults are static; failing to unmarshal them is a programming error.
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return c
}

// Validate checks the configuration for values that would fail later in a
// less obvious place. Config errors are immediate and never retried.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type %q (want sqlite, postgres or mysql)", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	if c.Keystore.Path == "" {
		return fmt.Errorf("keystore path must not be empty")
	}
	if c.HostsFile == "" {
		return fmt.Errorf("hosts_file must not be empty")
	}
	if c.Policy.ChecksumAlgorithm != "sha256" {
		return fmt.Errorf("unsupported checksum algorithm %q (only sha256)", c.Policy.ChecksumAlgorithm)
	}
	if c.Policy.DefaultTimeout <= 0 {
		return fmt.Errorf("policy default_timeout must be positive")
	}
	if c.Policy.ConnectTimeout <= 0 {
		return fmt.Errorf("policy connect_timeout must be positive")
	}
	if c.Policy.IdleTTL <= 0 {
		return fmt.Errorf("policy idle_ttl must be positive")
	}
	if c.Policy.DefaultRetries < 0 {
		return fmt.Errorf("policy default_retries must not be negative")
	}
	return nil
}

// WriteConfigFile marshals c to the standard config location.
func WriteConfigFile(c *Config, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	return WriteConfigTo(c, path)
}

// WriteConfigTo marshals c to an explicit path, creating parent directories.
// The file is written 0600 since host entries may carry password fallbacks.
func WriteConfigTo(c *Config, path string) error {
	data, err := yaml.MarshalWithOptions(c, yaml.WithComment(defaultComments()))
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	return os.WriteFile(path, data, 0o600)
}

// defaultComments annotates the generated YAML so a fresh config file is
// self-explanatory.
func defaultComments() yaml.CommentMap {
	return yaml.CommentMap{
		"$.database": {yaml.HeadComment(" Audit and host-key store. Type: sqlite, postgres or mysql.")},
		"$.log":      {yaml.HeadComment(" Structured logging; file output rotates automatically when set.")},
		"$.keystore": {yaml.HeadComment(" Encrypted per-host identity keys. The KEK is read from the", " environment variable named by kek_env, or prompted for.")},
		"$.policy":   {yaml.HeadComment(" Execution policy applied to every operation.")},
		"$.hosts_file": {yaml.HeadComment(" Inventory of managed hosts. Only hosts listed there (and enabled)", " can be targeted.")},
		"$.insecure_accept_new": {yaml.HeadComment(" Pin unknown host keys on first contact. Lab bootstrap only;", " leave false in normal operation.")},
	}
}
