package model

import (
	"encoding/json"
	"time"
)

// ToolDescriptor describes one invocable capability exposed by the subprocess.
type ToolDescriptor struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"input_schema" yaml:"input_schema"`
}

// UnmarshalJSON accepts both the snake_case input_schema member and the
// camelCase inputSchema member emitted by MCP-style servers.
func (d *ToolDescriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name             string         `json:"name"`
		Description      string         `json:"description"`
		InputSchema      map[string]any `json:"input_schema"`
		InputSchemaCamel map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Name = raw.Name
	d.Description = raw.Description
	d.InputSchema = raw.InputSchema
	if d.InputSchema == nil {
		d.InputSchema = raw.InputSchemaCamel
	}
	return nil
}

// ToolResult is the opaque result object of one tools/call.
type ToolResult struct {
	Tool      string          `json:"tool"`
	Result    json.RawMessage `json:"result"`
	SessionID string          `json:"session_id"`
	Elapsed   time.Duration   `json:"elapsed_ns"`
}

const (
	HealthStatusOK        = "ok"
	HealthStatusSaturated = "saturated"
)

// Health is a point-in-time view of admission occupancy.
type Health struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	Capacity       int    `json:"capacity"`
	Waiting        int    `json:"waiting"`
}
