package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// TestPrecedence_FlagsOverrideEnv verifies flags > env > file > defaults.
func TestPrecedence_FlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbridge.toml"), "max_concurrent_sessions = 5\ntool_call_timeout_ms = 1000\n[process]\ncommand = \"from-file\"\n")
	t.Setenv(EnvPrefix+"MAX_CONCURRENT_SESSIONS", "7")
	t.Setenv(EnvPrefix+"PROCESS_COMMAND", "from-env")

	capacity := 9
	command := "from-flag"
	cfg, err := Load(Options{
		RootDir:    dir,
		SkipDotEnv: true,
		Overrides:  &Overrides{MaxConcurrentSessions: &capacity, ProcessCommand: &command},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrentSessions, "overrides win")
	assert.Equal(t, "from-flag", cfg.Process.Command)
	assert.Equal(t, 1000, cfg.ToolCallTimeoutMS, "file value survives")
	assert.Equal(t, DefaultHandshakeTimeoutMS, cfg.HandshakeTimeoutMS)
}

// TestPrecedence_EnvOverridesFile verifies env overrides file when no CLI overrides.
func TestPrecedence_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbridge.toml"), "log_level = \"warn\"\n[process]\ncommand = \"server\"\nargs = [\"--stdio\"]\n")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "DEBUG")
	t.Setenv(EnvPrefix+"PROCESS_ARGS", "--stdio --headless")

	cfg, err := Load(Options{RootDir: dir, SkipDotEnv: true})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"--stdio", "--headless"}, cfg.Process.Args)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	writeFile(t, path, "max_concurrent_sessions: 2\nprocess:\n  command: node\n  args: [server.js]\n  env:\n    API_TOKEN: abc\nprotocol:\n  jsonrpc_version: \"2.0\"\n  send_initialized: true\n")

	cfg, err := Load(Options{ConfigPath: path, SkipDotEnv: true})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrentSessions)
	assert.Equal(t, "node", cfg.Process.Command)
	assert.Equal(t, "abc", cfg.Process.Env["API_TOKEN"])
	assert.Equal(t, "2.0", cfg.Protocol.JSONRPCVersion)
	assert.True(t, cfg.Protocol.SendInitialized)
	assert.True(t, cfg.Process.InheritEnv, "inherit_env keeps its default when the file omits it")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"PROCESS_COMMAND", "server")
	cfg, err := Load(Options{RootDir: t.TempDir(), SkipDotEnv: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrentSessions, cfg.MaxConcurrentSessions)
	assert.Equal(t, 120*time.Second, cfg.ToolCallTimeout())
}

func TestLoad_UnknownTOMLKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbridge.toml"), "max_sessions = 4\n[process]\ncommand = \"server\"\n")

	_, err := Load(Options{RootDir: dir, SkipDotEnv: true})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "CONFIG_INVALID:"), err.Error())
	assert.Contains(t, err.Error(), "max_sessions")
}

func TestLoad_CapabilitiesAreFreeForm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbridge.toml"), "[process]\ncommand = \"server\"\n[protocol.capabilities.roots]\nlistChanged = true\n")

	cfg, err := Load(Options{RootDir: dir, SkipDotEnv: true})
	require.NoError(t, err)
	roots, ok := cfg.Protocol.Capabilities["roots"].(map[string]any)
	require.True(t, ok, "capabilities: %v", cfg.Protocol.Capabilities)
	assert.Equal(t, true, roots["listChanged"])
}

func TestLoad_BadEnvInteger(t *testing.T) {
	t.Setenv(EnvPrefix+"PROCESS_COMMAND", "server")
	t.Setenv(EnvPrefix+"TOOL_CALL_TIMEOUT_MS", "soon")
	_, err := Load(Options{RootDir: t.TempDir(), SkipDotEnv: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOOLBRIDGE_TOOL_CALL_TIMEOUT_MS")
}

func TestLoad_DotEnvDoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "TOOLBRIDGE_PROCESS_COMMAND=from-dotenv\nTOOLBRIDGE_LOG_FORMAT=json\n")
	t.Setenv(EnvPrefix+"PROCESS_COMMAND", "from-env")
	// Registered so t.Setenv restores the variable after loadDotEnvFiles sets it.
	t.Setenv(EnvPrefix+"LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv(EnvPrefix+"LOG_FORMAT"))

	require.NoError(t, loadDotEnvFiles(filepath.Join(dir, ".env.local"), filepath.Join(dir, ".env")))
	assert.Equal(t, "from-env", os.Getenv(EnvPrefix+"PROCESS_COMMAND"), "explicit env wins")
	assert.Equal(t, "json", os.Getenv(EnvPrefix+"LOG_FORMAT"))
}

// TestSnapshot_RedactsProcessEnv verifies printed config never shows env values.
func TestSnapshot_RedactsProcessEnv(t *testing.T) {
	cfg := Default()
	cfg.Process.Command = "server"
	cfg.Process.Env = map[string]string{"API_TOKEN": "sk-secret", "EMPTY": ""}

	snap := SnapshotConfig(&cfg)
	assert.Equal(t, redacted, snap.Process.Env["API_TOKEN"])
	assert.Equal(t, "", snap.Process.Env["EMPTY"], "empty values stay empty")
	assert.Equal(t, "sk-secret", cfg.Process.Env["API_TOKEN"], "snapshot must not mutate the original config")

	for _, format := range []string{"toml", "yaml"} {
		out, err := Render(&cfg, format)
		require.NoError(t, err)
		assert.NotContains(t, string(out), "sk-secret", format)
	}
	_, err := Render(&cfg, "xml")
	assert.Error(t, err)
}

func TestRender_YAMLRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Process.Command = "server"
	out, err := Render(&cfg, "yaml")
	require.NoError(t, err)
	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "server", back.Process.Command)
	assert.Equal(t, cfg.MaxConcurrentSessions, back.MaxConcurrentSessions)
}

func TestDefaultTOMLDecodesCleanly(t *testing.T) {
	cfg := Default()
	md, err := toml.Decode(DefaultTOML, &cfg)
	require.NoError(t, err)
	for _, k := range md.Undecoded() {
		if len(k) > 2 && k[0] == "protocol" && k[1] == "capabilities" {
			continue
		}
		t.Fatalf("template has unknown key %s", k)
	}
	assert.Equal(t, DefaultMaxConcurrentSessions, cfg.MaxConcurrentSessions)
	assert.Equal(t, DefaultMaxLineBytes, cfg.MaxLineBytes)
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "toolbridge.toml")
	require.NoError(t, WriteTemplate(path, false))
	require.Error(t, WriteTemplate(path, false), "existing file is kept without force")
	require.NoError(t, WriteTemplate(path, true), "force overwrites")
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolbridge.toml")
	writeFile(t, path, "max_concurrent_sessions = 1\n[process]\ncommand = \"server\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, Options{ConfigPath: path}, zaptest.NewLogger(t), func(c *Config) { changes <- c })
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	// Rewrite until the watcher has registered and picked up an edit.
	for {
		select {
		case cfg := <-changes:
			assert.Equal(t, 4, cfg.MaxConcurrentSessions)
			return
		case <-tick.C:
			writeFile(t, path, "max_concurrent_sessions = 4\n[process]\ncommand = \"server\"\n")
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
