package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolbridge/internal/buildinfo"
	"toolbridge/internal/model"
	"toolbridge/internal/testutil/toolserver"
)

func TestHelperProcess(t *testing.T) { toolserver.MaybeServe() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeConfig points [process] at the toolserver helper running in mode.
func writeConfig(t *testing.T, mode string) string {
	t.Helper()
	command, args, env := toolserver.Command(mode)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = strconv.Quote(a)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("max_concurrent_sessions = 2\nlog_level = \"warn\"\nhandshake_timeout_ms = 10000\ntool_call_timeout_ms = 10000\n")
	fmt.Fprintf(&b, "[process]\ncommand = %s\nargs = [%s]\n[process.env]\n", strconv.Quote(command), strings.Join(quoted, ", "))
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, strconv.Quote(env[k]))
	}

	path := filepath.Join(t.TempDir(), "toolbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr syncBuffer
	cmd := NewRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestToolsJSON(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	out, _, err := runCLI(t, "", "--config", cfg, "--json", "tools")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[{"name":"ping","description":"","input_schema":{}}]}`, out)
}

func TestToolsTable(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeSchema)
	out, _, err := runCLI(t, "", "--config", cfg, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "Tools (2)")
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, "(no description)")
}

func TestCallPrintsResult(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	out, _, err := runCLI(t, "", "--config", cfg, "call", "ping", "--args", `{"host":"example.org"}`)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "ping", body["tool"])
	assert.Equal(t, map[string]any{"host": "example.org"}, body["arguments"])
}

func TestCallFailuresMapToExitCodes(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)

	_, _, err := runCLI(t, "", "--config", cfg, "call", toolserver.FailingTool)
	require.Error(t, err)
	assert.Equal(t, model.KindToolError, model.KindOf(err))
	assert.Equal(t, ExitToolFailure, ExitCode(err))

	_, _, err = runCLI(t, "", "--config", cfg, "call", "ping", "--args", `[1,2]`)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidArguments, model.KindOf(err))
}

func TestHealthUsesFlagOverrides(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	out, _, err := runCLI(t, "", "--config", cfg, "--max-sessions", "5", "--json", "health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","active_sessions":0,"capacity":5,"waiting":0}`, out)
}

func TestHealthNeedsNoProcessCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions = 3\nlog_level = \"warn\"\n"), 0o600))

	out, _, err := runCLI(t, "", "--config", path, "--json", "health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","active_sessions":0,"capacity":3,"waiting":0}`, out)

	_, _, err = runCLI(t, "", "--config", path, "--max-sessions", "0", "health")
	require.Error(t, err)
	assert.Equal(t, ExitConfigInvalid, ExitCode(err))

	_, _, err = runCLI(t, "", "--config", path, "tools")
	require.Error(t, err)
	assert.Equal(t, ExitConfigInvalid, ExitCode(err), "commands that launch still require process.command")
}

func TestBatchPreservesInputOrder(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	batch := filepath.Join(t.TempDir(), "calls.jsonl")
	lines := strings.Join([]string{
		`{"tool":"ping","arguments":{"n":0}}`,
		`{"tool":"fail"}`,
		``,
		`{"tool":"ping","arguments":{"n":2}}`,
		`not json`,
	}, "\n")
	require.NoError(t, os.WriteFile(batch, []byte(lines), 0o600))

	out, _, err := runCLI(t, "", "--config", cfg, "batch", batch, "--parallel", "4")
	require.Error(t, err)
	assert.Equal(t, ExitToolFailure, ExitCode(err))

	var results []batchResult
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r batchResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results = append(results, r)
	}
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.Nil(t, results[0].Error)
	assert.Contains(t, string(results[0].Result), `"n":0`)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "TOOL_ERROR", results[1].Error.Code)
	assert.Contains(t, string(results[2].Result), `"n":2`)
	require.NotNil(t, results[3].Error)
	assert.Equal(t, "INVALID_ARGUMENTS", results[3].Error.Code)
}

func TestBatchFromStdin(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	out, _, err := runCLI(t, `{"tool":"ping"}`+"\n", "--config", cfg, "batch", "-")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestServeOverStdio(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	in := strings.Join([]string{
		`{"id":1,"method":"health"}`,
		`{"id":2,"method":"tools/call","params":{"name":"ping","arguments":{"x":1}}}`,
	}, "\n") + "\n"

	out, _, err := runCLI(t, in, "--config", cfg, "serve")
	require.NoError(t, err)

	byID := map[int64]map[string]any{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var resp map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		byID[int64(resp["id"].(float64))] = resp
	}
	require.Len(t, byID, 2)
	assert.Equal(t, "ok", byID[1]["result"].(map[string]any)["status"])
	assert.Equal(t, "ping", byID[2]["result"].(map[string]any)["tool"])
}

func TestConfigPrintRedactsEnv(t *testing.T) {
	cfg := writeConfig(t, toolserver.ModeEcho)
	out, _, err := runCLI(t, "", "--config", cfg, "config", "print", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "GO_WANT_HELPER_PROCESS")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, toolserver.ModeEcho)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolbridge.toml")
	out, _, err := runCLI(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	require.FileExists(t, path)

	_, _, err = runCLI(t, "", "--config", path, "config", "init")
	assert.Error(t, err)
	_, _, err = runCLI(t, "", "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestMissingCommandIsConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions = 1\n"), 0o600))

	_, _, err := runCLI(t, "", "--config", path, "tools")
	require.Error(t, err)
	assert.Equal(t, ExitConfigInvalid, ExitCode(err))
	assert.Contains(t, err.Error(), "PROCESS_COMMAND")
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "toolbridge "+buildinfo.Version+"\n", out)
}

func TestExitCode(t *testing.T) {
	busy := model.Errorf(model.KindAdmissionTimeout, "busy")
	busy.Retryable = true
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitGenericError},
		{errors.New("CONFIG_INVALID: bad"), ExitConfigInvalid},
		{withExit(ExitToolFailure, errors.New("2 of 3 calls failed")), ExitToolFailure},
		{fmt.Errorf("call: %w", busy), ExitOverloaded},
		{model.Errorf(model.KindToolTimeout, "slow"), ExitToolFailure},
		{model.Errorf(model.KindLaunch, "missing"), ExitToolFailure},
		{model.Errorf(model.KindCanceled, "interrupted"), ExitGenericError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), fmt.Sprint(tc.err))
	}
}
