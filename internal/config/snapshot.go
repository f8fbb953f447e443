package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// SnapshotConfig returns a copy of cfg safe to print: process env values are
// replaced so secrets passed to the tool server never reach a terminal or log.
func SnapshotConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	c := *cfg
	if len(cfg.Process.Env) > 0 {
		c.Process.Env = make(map[string]string, len(cfg.Process.Env))
		for k, v := range cfg.Process.Env {
			c.Process.Env[k] = redactValue(v)
		}
	}
	if cfg.Process.Args != nil {
		c.Process.Args = append([]string(nil), cfg.Process.Args...)
	}
	return &c
}

func redactValue(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}

// Render encodes the redacted snapshot as "toml" or "yaml".
func Render(cfg *Config, format string) ([]byte, error) {
	snap := SnapshotConfig(cfg)
	if snap == nil {
		return nil, fmt.Errorf("config is nil")
	}
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(snap)
	case "toml", "":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q; allowed: toml, yaml", format)
	}
}
