package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"toolbridge/internal/bridge"
)

func newToolsCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server advertises",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := st.newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			tools, err := app.Bridge.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			if st.flags.JSON {
				return writeJSON(st.streams.out, map[string]any{"tools": tools})
			}

			s := newStyles(st.streams.out, false)
			sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
			fmt.Fprintln(st.streams.out, s.sectionHeader(fmt.Sprintf("Tools (%d)", len(tools))))
			fmt.Fprintln(st.streams.out, s.separator(40))
			for _, t := range tools {
				desc := strings.TrimSpace(t.Description)
				if desc == "" {
					desc = s.dim("(no description)")
				}
				fmt.Fprintln(st.streams.out, s.kv(t.Name, desc))
			}
			return nil
		},
	}
}

func newCallCmd(st *cliState) *cobra.Command {
	var (
		rawArgs string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one tool in a fresh session and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := bridge.DecodeArguments([]byte(rawArgs))
			if err != nil {
				return err
			}
			app, err := st.newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Bridge.CallTool(cmd.Context(), args[0], arguments, timeout)
			if err != nil {
				return err
			}
			if st.flags.JSON {
				return writeJSON(st.streams.out, res)
			}
			_, err = fmt.Fprintln(st.streams.out, string(res.Result))
			return err
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "tool call timeout (default: tool_call_timeout_ms)")
	return cmd
}

const healthLong = `Show the capacity of a fresh admission controller built from the configuration.
No tool server is launched, so process.command need not be set and active sessions
are always 0. Live occupancy is the health method of a running "toolbridge serve".`

func newHealthCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show admission capacity without launching a tool server",
		Long:  healthLong,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if cfg.MaxConcurrentSessions < 1 {
				return withExit(ExitConfigInvalid, fmt.Errorf("CONFIG_INVALID: max_concurrent_sessions=%d; must be at least 1", cfg.MaxConcurrentSessions))
			}
			app, err := NewApp(cfg, st.streams.err)
			if err != nil {
				return err
			}
			defer app.Close()

			h := app.Bridge.Health()
			if st.flags.JSON {
				return writeJSON(st.streams.out, h)
			}
			s := newStyles(st.streams.out, false)
			fmt.Fprintln(st.streams.out, s.kv("Status", s.status(h.Status)))
			fmt.Fprintln(st.streams.out, s.kv("Active sessions", fmt.Sprintf("%d/%d", h.ActiveSessions, h.Capacity)))
			fmt.Fprintln(st.streams.out, s.kv("Waiting", fmt.Sprint(h.Waiting)))
			return nil
		},
	}
}

func (st *cliState) newApp(cmd *cobra.Command) (*App, error) {
	cfg, err := st.loadConfig(cmd, false)
	if err != nil {
		return nil, err
	}
	return NewApp(cfg, st.streams.err)
}

// writeJSON emits v as one compact JSON line.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
