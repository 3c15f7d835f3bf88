// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable ApplyEnvOverrides reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"JARVISH_OLLAMA_URL", "OLLAMA_HOST", "JARVISH_MODEL",
		"JARVISH_LISTEN", "JARVISH_DATA_DIR", "JARVISH_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 30, cfg.Ollama.TimeoutSecs)
	assert.Equal(t, "127.0.0.1:7878", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, strings.HasSuffix(cfg.Storage.DataDir, filepath.Join(".jarvish", "data")))
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("USERPROFILE", os.Getenv("HOME"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Ollama, cfg.Ollama)
}

func TestLoad_ReadsHomeConfig(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	dir := filepath.Join(home, ".jarvish")
	require.NoError(t, os.MkdirAll(dir, 0700))
	writeFile(t, filepath.Join(dir, "config.toml"), "[ollama]\ndefault_model = \"phi3\"\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "phi3", cfg.Ollama.DefaultModel)
}

func TestLoadFromPath_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[ollama]
base_url = "http://gpu-box:11434"

[server]
allowed_origins = ["http://localhost:3000"]

[log]
level = "debug"
format = "json"
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 30, cfg.Ollama.TimeoutSecs, "unset keys keep their default")
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromPath_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", "[ollama\n", "failed to decode"},
		{"unknown key", "[ollama]\nurl = \"x\"\n", "unknown keys: ollama.url"},
		{"invalid value", "[ollama]\ntimeout_secs = 0\n", "ollama.timeout_secs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".toml")
			writeFile(t, path, tt.content)

			_, err := LoadFromPath(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := LoadFromPath(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestLoadTOML_FixesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0644))

	cfg := Default()
	require.NoError(t, LoadTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// =============================================================================
// SAVE
// =============================================================================

func TestSaveTOML_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Ollama.DefaultModel = "llama3.2"
	cfg.Server.RateLimit = 5.5
	cfg.Server.AllowedOrigins = []string{"a", "b"}
	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# jarvish configuration file"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad scheme", func(c *Config) { c.Ollama.BaseURL = "ftp://x" }, "ollama.base_url"},
		{"no host", func(c *Config) { c.Ollama.BaseURL = "http://" }, "ollama.base_url"},
		{"timeout", func(c *Config) { c.Ollama.TimeoutSecs = -1 }, "ollama.timeout_secs"},
		{"listen", func(c *Config) { c.Server.Listen = "localhost" }, "server.listen"},
		{"port", func(c *Config) { c.Server.Listen = "localhost:99999" }, "server.listen"},
		{"rate", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"burst", func(c *Config) { c.Server.RateBurst = 0 }, "server.rate_burst"},
		{"data dir", func(c *Config) { c.Storage.DataDir = " " }, "storage.data_dir"},
		{"level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidateErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Ollama.TimeoutSecs = 0
	cfg.Log.Format = "yaml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama.timeout_secs")
	assert.Contains(t, err.Error(), "log.format")
}

func TestValidate_RateLimitDisabledAllowsZeroBurst(t *testing.T) {
	cfg := Default()
	cfg.Server.RateLimit = 0
	cfg.Server.RateBurst = 0
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JARVISH_OLLAMA_URL", "http://remote:11434")
	t.Setenv("OLLAMA_HOST", "ignored:1")
	t.Setenv("JARVISH_MODEL", "mistral")
	t.Setenv("JARVISH_LISTEN", "0.0.0.0:9000")
	t.Setenv("JARVISH_DATA_DIR", "/tmp/jarvish")
	t.Setenv("JARVISH_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "http://remote:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "mistral", cfg.Ollama.DefaultModel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "/tmp/jarvish", cfg.Storage.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_OllamaHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"0.0.0.0", "http://0.0.0.0:11434"},
		{"gpu:8080", "http://gpu:8080"},
		{"https://ollama.example.com", "https://ollama.example.com:11434"},
		{"http://box:1234/", "http://box:1234"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("OLLAMA_HOST", tt.host)

			cfg := Default()
			cfg.ApplyEnvOverrides()
			assert.Equal(t, tt.want, cfg.Ollama.BaseURL)
		})
	}
}

// =============================================================================
// GET/SET
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("ollama.base_url", "http://other:11434"))
	require.NoError(t, cfg.Set("ollama.timeout_secs", "45"))
	require.NoError(t, cfg.Set("server.rate_limit", "2.5"))
	require.NoError(t, cfg.Set("server.allowed_origins", "http://a, http://b,"))
	require.NoError(t, cfg.Set("log.level", "warn"))

	v, err := cfg.Get("ollama.base_url")
	require.NoError(t, err)
	assert.Equal(t, "http://other:11434", v)
	assert.Equal(t, 45, cfg.Ollama.TimeoutSecs)
	assert.Equal(t, 2.5, cfg.Server.RateLimit)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.AllowedOrigins)

	_, err = cfg.Get("ollama.nope")
	assert.Error(t, err)
	_, err = cfg.Get("ollama")
	assert.Error(t, err, "sections are not settings")
	assert.Error(t, cfg.Set("ollama.timeout_secs", "soon"))
	assert.Error(t, cfg.Set("", "x"))
}

func TestKeys_AllResolve(t *testing.T) {
	cfg := Default()
	for _, key := range Keys() {
		_, err := cfg.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Server.AllowedOrigins[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Server.AllowedOrigins[0])
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[log]\nlevel = \"info\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config, err error) {
			if err != nil {
				return
			}
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Keep rewriting until the watcher, which registers asynchronously,
	// reports the change.
	var got *Config
	require.Eventually(t, func() bool {
		writeFile(t, path, "[log]\nlevel = \"debug\"\n")
		select {
		case got = <-reloaded:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", got.Log.Level)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_ReportsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 16)
	go Watch(ctx, path, func(cfg *Config, err error) {
		if err == nil {
			return
		}
		select {
		case errs <- err:
		default:
		}
	})

	require.Eventually(t, func() bool {
		writeFile(t, path, "[log]\nlevel = \"shouting\"\n")
		select {
		case <-errs:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "no", "such", "config.toml"), func(*Config, error) {})
	assert.Error(t, err)
}
