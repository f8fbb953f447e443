// Package toolserver is a scripted stand-in for a tool subprocess. Tests
// re-execute their own binary with GO_WANT_HELPER_PROCESS=1 and pick a
// scenario through TOOLSERVER_MODE.
package toolserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
	"toolbridge/internal/wire"
)

const (
	EnvHelper = "GO_WANT_HELPER_PROCESS"
	EnvMode   = "TOOLSERVER_MODE"
	EnvDelay  = "TOOLSERVER_DELAY_MS"
)

const (
	// ModeEcho answers every call with its own name, arguments and request id.
	ModeEcho = "echo"
	// ModeSchema is ModeEcho with an extra tool that declares an argument schema.
	ModeSchema = "schema"
	// ModeSilent never answers initialize.
	ModeSilent = "silent"
	// ModeHang completes the handshake but never answers tools/call.
	ModeHang = "hang"
	// ModeMalformed answers tools/call with a line that is not JSON.
	ModeMalformed = "malformed"
	// ModeExitOnCall exits with status 3 on tools/call.
	ModeExitOnCall = "exit_on_call"
	// ModeCrashOnStart writes to stderr and exits with status 2 before reading anything.
	ModeCrashOnStart = "crash_on_start"
	// ModeExitZero exits cleanly before reading anything.
	ModeExitZero = "exit_zero"
	// ModeNotify interleaves a notification and an inbound request before each call result.
	ModeNotify = "notify"
	// ModeUnknownID answers tools/call with an id nobody asked for.
	ModeUnknownID = "unknown_id"
	// ModeSlow waits TOOLSERVER_DELAY_MS (default 200) before answering tools/call.
	ModeSlow = "slow"
	// ModeNoCatalog leaves tools out of the handshake and serves tools/list only once.
	ModeNoCatalog = "no_catalog"
	// ModeIgnoreTerm ignores SIGTERM and stdin EOF, so only a kill stops it.
	ModeIgnoreTerm = "ignore_term"
)

// FailingTool is answered with a JSON-RPC error object in every mode that answers calls.
const FailingTool = "fail"

// Command returns the argv and environment that re-execute the running test
// binary as a tool server. The test package must define
//
//	func TestHelperProcess(t *testing.T) { toolserver.MaybeServe() }
func Command(mode string) (string, []string, map[string]string) {
	return os.Args[0],
		[]string{"-test.run=TestHelperProcess", "--"},
		map[string]string{EnvHelper: "1", EnvMode: mode}
}

// MaybeServe turns the current process into a tool server when the helper
// environment is present, and returns otherwise.
func MaybeServe() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	os.Exit(Serve(os.Getenv(EnvMode), os.Stdin, os.Stdout, os.Stderr))
}

// Catalog is the tool list advertised in mode.
func Catalog(mode string) []model.ToolDescriptor {
	tools := []model.ToolDescriptor{{Name: "ping", Description: "", InputSchema: map[string]any{}}}
	if mode == ModeSchema {
		tools = append(tools, model.ToolDescriptor{
			Name:        "greet",
			Description: "Greets someone by name.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
		})
	}
	return tools
}

// Serve runs the scripted server until in reaches EOF and returns the exit status.
func Serve(mode string, in io.Reader, out, errOut io.Writer) int {
	_, _ = fmt.Fprintf(errOut, "toolserver: starting in %s mode\n", mode)
	switch mode {
	case ModeCrashOnStart:
		_, _ = fmt.Fprintln(errOut, "fatal: cannot open browser profile")
		return 2
	case ModeExitZero:
		return 0
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
	}

	r := wire.NewReader(in, 0)
	w := wire.NewWriter(out)
	listCalls := 0
	for {
		msg, raw, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if mode == ModeIgnoreTerm {
					time.Sleep(time.Hour)
				}
				return 0
			}
			var werr *model.Error
			if errors.As(err, &werr) {
				_, _ = fmt.Fprintf(errOut, "toolserver: bad line %q: %v\n", raw, err)
				continue
			}
			return 1
		}
		if msg.Kind != wire.KindRequest {
			continue
		}

		switch msg.Method {
		case protocol.RPCMethodInitialize:
			if mode == ModeSilent {
				continue
			}
			result := map[string]any{"serverInfo": map[string]any{"name": "toolserver", "version": "test"}}
			if mode != ModeNoCatalog {
				result["tools"] = Catalog(mode)
			}
			reply(w, msg.ID, result)
		case protocol.RPCMethodToolsList:
			listCalls++
			if mode == ModeNoCatalog && listCalls > 1 {
				replyError(w, msg.ID, protocol.RPCCodeInternalError, "catalog already served")
				continue
			}
			reply(w, msg.ID, map[string]any{"tools": Catalog(mode)})
		case protocol.RPCMethodToolsCall:
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &params)

			switch mode {
			case ModeHang:
				continue
			case ModeMalformed:
				_, _ = fmt.Fprintln(out, "this is not json")
				continue
			case ModeExitOnCall:
				_, _ = fmt.Fprintln(errOut, "toolserver: browser crashed")
				return 3
			case ModeUnknownID:
				reply(w, msg.ID+1000, map[string]any{})
				continue
			case ModeNotify:
				_ = w.WriteRequest(wire.NewNotification("notifications/progress", map[string]any{"progress": 0.5}))
				_ = w.WriteRequest(wire.NewRequest(9001, "sampling/createMessage", map[string]any{}))
			case ModeSlow:
				time.Sleep(delay())
			}

			if params.Name == FailingTool {
				replyError(w, msg.ID, -32000, "tool exploded")
				continue
			}
			reply(w, msg.ID, map[string]any{
				"tool":       params.Name,
				"arguments":  params.Arguments,
				"request_id": msg.ID,
			})
		default:
			replyError(w, msg.ID, protocol.RPCCodeMethodNotFound, "method not found: "+msg.Method)
		}
	}
}

func reply(w *wire.Writer, id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		replyError(w, id, protocol.RPCCodeInternalError, err.Error())
		return
	}
	_ = w.WriteResponse(wire.Response{ID: id, Result: raw})
}

func replyError(w *wire.Writer, id int64, code int, message string) {
	_ = w.WriteResponse(wire.Response{ID: id, Error: &wire.RPCError{Code: code, Message: message}})
}

func delay() time.Duration {
	ms, err := strconv.Atoi(os.Getenv(EnvDelay))
	if err != nil || ms <= 0 {
		ms = 200
	}
	return time.Duration(ms) * time.Millisecond
}
