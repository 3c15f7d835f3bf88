// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/jarvish/internal/logging"
	"github.com/jeranaias/jarvish/internal/ollama"
	"github.com/jeranaias/jarvish/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete jarvish configuration.
type Config struct {
	Ollama  OllamaConfig  `toml:"ollama" json:"ollama"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	Log     LogConfig     `toml:"log" json:"log"`
}

// OllamaConfig points at the local Ollama server.
type OllamaConfig struct {
	// BaseURL is the root of the Ollama HTTP API
	BaseURL string `toml:"base_url" json:"base_url"`
	// TimeoutSecs bounds the non-streaming calls (list, show, health)
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// DefaultModel is used by `ask` when no model is given; empty means the
	// first installed model
	DefaultModel string `toml:"default_model" json:"default_model"`
}

// ServerConfig configures the HTTP bridge used by the UI.
type ServerConfig struct {
	// Listen is the host:port the bridge binds to
	Listen string `toml:"listen" json:"listen"`
	// AllowedOrigins lists the CORS origins of the UI
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	// RateLimit is requests per second per client; 0 disables limiting
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	// RateBurst is the token bucket size
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
}

// StorageConfig locates the sqlite databases.
type StorageConfig struct {
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := "data"
	if dir, err := ConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "data")
	}

	return &Config{
		Ollama: OllamaConfig{
			BaseURL:     ollama.DefaultBaseURL,
			TimeoutSecs: 30,
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:7878",
			AllowedOrigins: []string{"tauri://localhost", "http://localhost:1420"},
			RateLimit:      20,
			RateBurst:      40,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the jarvish configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".jarvish"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens the config file to owner read/write.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.jarvish/config.toml when it exists and falls back to the
// defaults otherwise. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads the TOML file at path over the defaults, applies the
// environment overrides and validates the result.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the file at path into cfg. Keys missing from the file
// keep the values already in cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path atomically with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# jarvish configuration file\n")
	buf.WriteString("# Generated by jarvish - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid setting found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Ollama
	if u, err := url.Parse(c.Ollama.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("ollama.base_url", "invalid URL '%s', must be http(s)://host[:port]", c.Ollama.BaseURL)
	}
	if c.Ollama.TimeoutSecs <= 0 {
		add("ollama.timeout_secs", "must be positive, got %d", c.Ollama.TimeoutSecs)
	}

	// Server
	if _, port, err := net.SplitHostPort(c.Server.Listen); err != nil {
		add("server.listen", "invalid address '%s': %v", c.Server.Listen, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		add("server.listen", "invalid port '%s'", port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative, got %g", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1 when rate_limit is set, got %d", c.Server.RateBurst)
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		add("storage.data_dir", "must not be empty")
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		add("log.format", "invalid format '%s', must be one of: console, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - JARVISH_OLLAMA_URL: overrides ollama.base_url
//   - OLLAMA_HOST: used for ollama.base_url when JARVISH_OLLAMA_URL is unset
//   - JARVISH_MODEL: overrides ollama.default_model
//   - JARVISH_LISTEN: overrides server.listen
//   - JARVISH_DATA_DIR: overrides storage.data_dir
//   - JARVISH_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if u := os.Getenv("JARVISH_OLLAMA_URL"); u != "" {
		c.Ollama.BaseURL = u
	} else if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Ollama.BaseURL = normalizeOllamaHost(host)
	}

	if model := os.Getenv("JARVISH_MODEL"); model != "" {
		c.Ollama.DefaultModel = model
	}

	if listen := os.Getenv("JARVISH_LISTEN"); listen != "" {
		c.Server.Listen = listen
	}

	if dir := os.Getenv("JARVISH_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}

	if level := os.Getenv("JARVISH_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// normalizeOllamaHost turns the forms Ollama itself accepts for OLLAMA_HOST
// ("host", "host:port", "scheme://host:port") into a base URL.
func normalizeOllamaHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return host
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "11434")
	}
	return u.String()
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "ollama.base_url").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a configuration value using dot notation. String values are
// converted to the field's type; list fields take a comma-separated string.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("'%s' is a section, not a setting", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go
// field name, so "base_url" matches BaseURL case-insensitively.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(part[:1]))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets field from value, converting strings as needed.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, item := range strings.Split(strVal, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every configuration key in dot notation.
func Keys() []string {
	return []string{
		"ollama.base_url",
		"ollama.timeout_secs",
		"ollama.default_model",
		"server.listen",
		"server.allowed_origins",
		"server.rate_limit",
		"server.rate_burst",
		"storage.data_dir",
		"log.level",
		"log.format",
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.AllowedOrigins != nil {
		clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	return &clone
}

// String renders the configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
