package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"toolbridge/internal/bridge"
	"toolbridge/internal/config"
	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitGenericError  = 1
	ExitConfigInvalid = 2
	ExitOverloaded    = 3
	ExitToolFailure   = 4
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Quiet      bool

	LogLevel     string
	LogFormat    string
	MaxSessions  int
	Command      string
	Args         []string
	ValidateArgs bool
}

// streams are the process stdio; tests substitute buffers.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

type cliState struct {
	flags   GlobalFlags
	streams streams
}

// NewRootCmd builds a fresh command tree bound to the given streams.
func NewRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	st := &cliState{streams: streams{in: stdin, out: stdout, err: stderr}}

	rootCmd := &cobra.Command{
		Use:           "toolbridge",
		Short:         "Run tool calls against a stdio tool server, one subprocess per request",
		Long:          "toolbridge launches a fresh tool server subprocess for every request, talks line-delimited JSON-RPC to it, and tears it down afterwards.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&st.flags.ConfigPath, "config", config.DefaultConfigPath, "config file path (.toml, .yaml or .yml)")
	pf.BoolVar(&st.flags.JSON, "json", false, "emit JSON instead of human-readable output")
	pf.BoolVar(&st.flags.Quiet, "quiet", false, "reduce output")
	pf.StringVar(&st.flags.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&st.flags.LogFormat, "log-format", "", "log format: console|json")
	pf.IntVar(&st.flags.MaxSessions, "max-sessions", 0, "maximum concurrent tool server sessions")
	pf.StringVar(&st.flags.Command, "command", "", "tool server executable")
	pf.StringArrayVar(&st.flags.Args, "arg", nil, "tool server argument (repeatable)")
	pf.BoolVar(&st.flags.ValidateArgs, "validate", false, "validate tool arguments against the advertised input schema")

	rootCmd.AddCommand(newToolsCmd(st))
	rootCmd.AddCommand(newCallCmd(st))
	rootCmd.AddCommand(newHealthCmd(st))
	rootCmd.AddCommand(newBatchCmd(st))
	rootCmd.AddCommand(newServeCmd(st))
	rootCmd.AddCommand(newConfigCmd(st))
	rootCmd.AddCommand(newVersionCmd(st))
	return rootCmd
}

// Execute runs the CLI against the process stdio and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	s := newStyles(os.Stderr, false)
	fmt.Fprintln(os.Stderr, s.errPrefix(), err.Error())
	return ExitCode(err)
}

// overrides turns explicitly set flags into config overrides.
func (st *cliState) overrides(cmd *cobra.Command) *config.Overrides {
	o := &config.Overrides{}
	flags := cmd.Flags()
	if flags.Changed("max-sessions") {
		o.MaxConcurrentSessions = &st.flags.MaxSessions
	}
	if flags.Changed("log-level") {
		o.LogLevel = &st.flags.LogLevel
	}
	if flags.Changed("log-format") {
		o.LogFormat = &st.flags.LogFormat
	}
	if flags.Changed("command") {
		o.ProcessCommand = &st.flags.Command
	}
	if flags.Changed("arg") {
		o.ProcessArgs = st.flags.Args
	}
	if flags.Changed("validate") {
		o.ValidateArguments = &st.flags.ValidateArgs
	}
	return o
}

func (st *cliState) loadConfig(cmd *cobra.Command, skipValidate bool) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigPath:   st.flags.ConfigPath,
		SkipValidate: skipValidate,
		Overrides:    st.overrides(cmd),
	})
	if err != nil {
		return nil, withExit(ExitConfigInvalid, err)
	}
	return cfg, nil
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by a command onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if strings.HasPrefix(err.Error(), "CONFIG_INVALID:") {
		return ExitConfigInvalid
	}
	var me *model.Error
	if !errors.As(err, &me) {
		return ExitGenericError
	}
	switch bridge.Translate(err).Code {
	case protocol.ErrorCodeOverloaded:
		return ExitOverloaded
	case protocol.ErrorCodeInternal, protocol.ErrorCodeCanceled:
		return ExitGenericError
	default:
		return ExitToolFailure
	}
}
