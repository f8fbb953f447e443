package config

import (
	"fmt"
	"strings"
)

// Validate checks required fields and enum constraints. Errors carry an
// actionable hint so the CLI can print them and exit 2.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("CONFIG_INVALID: nil config")
	}
	if strings.TrimSpace(cfg.Process.Command) == "" {
		return fmt.Errorf("CONFIG_INVALID: Missing process command\nSet env: %sPROCESS_COMMAND=...\nOr edit [process] in %s", EnvPrefix, DefaultConfigPath)
	}
	if cfg.MaxConcurrentSessions < 1 {
		return fmt.Errorf("CONFIG_INVALID: max_concurrent_sessions=%d; must be at least 1", cfg.MaxConcurrentSessions)
	}
	if err := validatePositive(cfg); err != nil {
		return err
	}
	if err := validateEnums(cfg); err != nil {
		return err
	}
	return nil
}

func validatePositive(cfg *Config) error {
	fields := []struct {
		name  string
		value int
	}{
		{"admission_timeout_ms", cfg.AdmissionTimeoutMS},
		{"handshake_timeout_ms", cfg.HandshakeTimeoutMS},
		{"tool_call_timeout_ms", cfg.ToolCallTimeoutMS},
		{"max_line_bytes", cfg.MaxLineBytes},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("CONFIG_INVALID: %s=%d; must be positive", f.name, f.value)
		}
	}
	// Zero grace periods fall back to the built-in defaults.
	if cfg.TerminationGraceMS < 0 {
		return fmt.Errorf("CONFIG_INVALID: termination_grace_ms=%d; must not be negative", cfg.TerminationGraceMS)
	}
	if cfg.LaunchGraceMS < 0 {
		return fmt.Errorf("CONFIG_INVALID: launch_grace_ms=%d; must not be negative", cfg.LaunchGraceMS)
	}
	return nil
}

// validateEnums checks constrained string fields against allowed values.
func validateEnums(cfg *Config) error {
	if !stringIn(cfg.LogLevel, LogLevels) {
		return fmt.Errorf("CONFIG_INVALID: log_level=%q; allowed: %s", cfg.LogLevel, strings.Join(LogLevels, ", "))
	}
	if !stringIn(cfg.LogFormat, LogFormats) {
		return fmt.Errorf("CONFIG_INVALID: log_format=%q; allowed: %s", cfg.LogFormat, strings.Join(LogFormats, ", "))
	}
	return nil
}

func stringIn(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
