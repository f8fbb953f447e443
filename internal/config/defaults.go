package config

import "time"

const (
	DefaultMaxConcurrentSessions = 3
	DefaultAdmissionTimeoutMS    = 30000
	DefaultHandshakeTimeoutMS    = 15000
	DefaultToolCallTimeoutMS     = 120000
	DefaultTerminationGraceMS    = 3000
	DefaultLaunchGraceMS         = 50
	DefaultMaxLineBytes          = 16 << 20
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "console"
	DefaultConfigPath            = "toolbridge.toml"
)

var (
	LogLevels  = []string{"debug", "info", "warn", "error"}
	LogFormats = []string{"console", "json"}
)

type Config struct {
	MaxConcurrentSessions int      `toml:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	AdmissionTimeoutMS    int      `toml:"admission_timeout_ms" yaml:"admission_timeout_ms"`
	HandshakeTimeoutMS    int      `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	ToolCallTimeoutMS     int      `toml:"tool_call_timeout_ms" yaml:"tool_call_timeout_ms"`
	TerminationGraceMS    int      `toml:"termination_grace_ms" yaml:"termination_grace_ms"`
	LaunchGraceMS         int      `toml:"launch_grace_ms" yaml:"launch_grace_ms"`
	MaxLineBytes          int      `toml:"max_line_bytes" yaml:"max_line_bytes"`
	ValidateArguments     bool     `toml:"validate_arguments" yaml:"validate_arguments"`
	LogLevel              string   `toml:"log_level" yaml:"log_level"`
	LogFormat             string   `toml:"log_format" yaml:"log_format"`
	Process               Process  `toml:"process" yaml:"process"`
	Protocol              Protocol `toml:"protocol" yaml:"protocol"`
}

// Process says how to launch the tool subprocess.
type Process struct {
	Command    string            `toml:"command" yaml:"command"`
	Args       []string          `toml:"args" yaml:"args"`
	Env        map[string]string `toml:"env" yaml:"env"`
	InheritEnv bool              `toml:"inherit_env" yaml:"inherit_env"`
	Dir        string            `toml:"dir" yaml:"dir"`
}

// Protocol tunes the handshake for subprocesses that expect more than the
// bare line protocol.
type Protocol struct {
	// JSONRPCVersion is sent as the "jsonrpc" member when non-empty.
	JSONRPCVersion  string         `toml:"jsonrpc_version" yaml:"jsonrpc_version"`
	SendInitialized bool           `toml:"send_initialized" yaml:"send_initialized"`
	ClientName      string         `toml:"client_name" yaml:"client_name"`
	Capabilities    map[string]any `toml:"capabilities" yaml:"capabilities"`
}

// Default returns the built-in configuration. The process command is left
// empty on purpose; it must come from a file, env or flag.
func Default() Config {
	return Config{
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
		AdmissionTimeoutMS:    DefaultAdmissionTimeoutMS,
		HandshakeTimeoutMS:    DefaultHandshakeTimeoutMS,
		ToolCallTimeoutMS:     DefaultToolCallTimeoutMS,
		TerminationGraceMS:    DefaultTerminationGraceMS,
		LaunchGraceMS:         DefaultLaunchGraceMS,
		MaxLineBytes:          DefaultMaxLineBytes,
		LogLevel:              DefaultLogLevel,
		LogFormat:             DefaultLogFormat,
		Process: Process{
			InheritEnv: true,
		},
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) AdmissionTimeout() time.Duration { return ms(c.AdmissionTimeoutMS) }
func (c Config) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS) }
func (c Config) ToolCallTimeout() time.Duration  { return ms(c.ToolCallTimeoutMS) }
func (c Config) TerminationGrace() time.Duration { return ms(c.TerminationGraceMS) }
func (c Config) LaunchGrace() time.Duration      { return ms(c.LaunchGraceMS) }
