package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TOOLBRIDGE_"

// Options for loading config. ConfigPath is relative to RootDir if not absolute.
type Options struct {
	ConfigPath string
	RootDir    string
	// SkipDotEnv leaves .env files alone (tests, and reloads after the first load).
	SkipDotEnv   bool
	SkipValidate bool
	// Overrides apply last (flags > env > dotenv > file > defaults). Nil means no CLI overrides.
	Overrides *Overrides
}

// Overrides holds CLI flag values that take precedence over env/file/defaults.
// Only non-nil fields are applied.
type Overrides struct {
	MaxConcurrentSessions *int
	ToolCallTimeoutMS     *int
	ValidateArguments     *bool
	LogLevel              *string
	LogFormat             *string
	ProcessCommand        *string
	ProcessArgs           []string
}

// Load builds config with precedence: defaults → config file → .env files →
// TOOLBRIDGE_* env vars → Overrides. Errors carry the CONFIG_INVALID prefix
// so the CLI can exit 2.
func Load(opts Options) (*Config, error) {
	if !opts.SkipDotEnv {
		if err := loadDotEnvFiles(DotEnvFiles...); err != nil {
			return nil, fmt.Errorf("CONFIG_INVALID: failed loading dotenv files: %w", err)
		}
	}

	cfg := Default()
	path := ResolvePath(opts)
	if _, err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// ResolvePath returns the config file path Load reads.
func ResolvePath(opts Options) string {
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	if !filepath.IsAbs(path) && opts.RootDir != "" {
		path = filepath.Join(opts.RootDir, path)
	}
	return path
}

// decodeFile overlays the file at path onto cfg. A missing file is not an
// error. Paths ending in .yaml or .yml are YAML, anything else is TOML.
func decodeFile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("CONFIG_INVALID: cannot read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return true, fmt.Errorf("CONFIG_INVALID: malformed YAML in %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return true, fmt.Errorf("CONFIG_INVALID: malformed TOML in %s: %w", path, err)
		}
		var unknown []string
		for _, k := range md.Undecoded() {
			// Capabilities are free-form; nested keys under them are never typos.
			if len(k) > 2 && k[0] == "protocol" && k[1] == "capabilities" {
				continue
			}
			unknown = append(unknown, k.String())
		}
		if len(unknown) > 0 {
			return true, fmt.Errorf("CONFIG_INVALID: unknown keys in %s: %s", path, strings.Join(unknown, ", "))
		}
	}
	return true, nil
}

func applyEnv(cfg *Config) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_CONCURRENT_SESSIONS", &cfg.MaxConcurrentSessions},
		{"ADMISSION_TIMEOUT_MS", &cfg.AdmissionTimeoutMS},
		{"HANDSHAKE_TIMEOUT_MS", &cfg.HandshakeTimeoutMS},
		{"TOOL_CALL_TIMEOUT_MS", &cfg.ToolCallTimeoutMS},
		{"TERMINATION_GRACE_MS", &cfg.TerminationGraceMS},
		{"LAUNCH_GRACE_MS", &cfg.LaunchGraceMS},
		{"MAX_LINE_BYTES", &cfg.MaxLineBytes},
	}
	for _, f := range ints {
		v := strings.TrimSpace(os.Getenv(EnvPrefix + f.name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFIG_INVALID: %s%s=%q is not an integer", EnvPrefix, f.name, v)
		}
		*f.dst = n
	}

	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "VALIDATE_ARGUMENTS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONFIG_INVALID: %sVALIDATE_ARGUMENTS=%q is not a boolean", EnvPrefix, v)
		}
		cfg.ValidateArguments = b
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "LOG_FORMAT")); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "PROCESS_COMMAND")); v != "" {
		cfg.Process.Command = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "PROCESS_ARGS")); v != "" {
		cfg.Process.Args = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "PROCESS_DIR")); v != "" {
		cfg.Process.Dir = v
	}
	return nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.MaxConcurrentSessions != nil {
		cfg.MaxConcurrentSessions = *o.MaxConcurrentSessions
	}
	if o.ToolCallTimeoutMS != nil {
		cfg.ToolCallTimeoutMS = *o.ToolCallTimeoutMS
	}
	if o.ValidateArguments != nil {
		cfg.ValidateArguments = *o.ValidateArguments
	}
	if o.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(*o.LogLevel)
	}
	if o.LogFormat != nil {
		cfg.LogFormat = strings.ToLower(*o.LogFormat)
	}
	if o.ProcessCommand != nil {
		cfg.Process.Command = *o.ProcessCommand
	}
	if o.ProcessArgs != nil {
		cfg.Process.Args = o.ProcessArgs
	}
}
