package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultTOML is the template written by "toolbridge config init".
const DefaultTOML = `# toolbridge configuration. Every key can also be set with a TOOLBRIDGE_* env var.

max_concurrent_sessions = 3
admission_timeout_ms = 30000
handshake_timeout_ms = 15000
tool_call_timeout_ms = 120000
termination_grace_ms = 3000
launch_grace_ms = 50
max_line_bytes = 16777216
validate_arguments = false
log_level = "info"
log_format = "console"

[process]
# The tool server binary, launched once per request.
command = ""
args = []
inherit_env = true
dir = ""

[process.env]
# EXAMPLE_TOKEN = "..."

[protocol]
# Leave empty for the bare line protocol; set to "2.0" for JSON-RPC 2.0 peers.
jsonrpc_version = ""
send_initialized = false
client_name = ""

[protocol.capabilities]
`

// WriteTemplate writes DefaultTOML to path. An existing file is left alone
// unless force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(DefaultTOML), 0o644)
}
