// Package session runs one complete conversation with a single tool
// subprocess, from launch through handshake and calls to termination.
//
// A Session is owned by the goroutine that created it and is not safe for
// concurrent use. Its only helper goroutine reads stdout and hands decoded
// lines back over a channel; all request bookkeeping happens on the owner.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
	"toolbridge/internal/wire"
)

const (
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultCallTimeout      = 120 * time.Second
	DefaultTerminationGrace = 3 * time.Second

	// exitDrain is how long buffered stdout is still consumed after the
	// process is reaped, so a final response written just before exit wins.
	exitDrain = 200 * time.Millisecond
	// exitWait bounds the wait for an exit status once stdout hit EOF.
	exitWait = time.Second
	// pumpWait bounds how long Close waits for the reader goroutine.
	pumpWait = time.Second
)

type Options struct {
	Launch           Launcher
	HandshakeTimeout time.Duration
	// CallTimeout applies when CallTool is given no timeout of its own.
	CallTimeout      time.Duration
	TerminationGrace time.Duration
	MaxLineBytes     int

	// JSONRPCVersion, when set, is sent as the "jsonrpc" member.
	JSONRPCVersion  string
	SendInitialized bool
	ClientName      string
	ClientVersion   string
	Capabilities    map[string]any

	Logger       *zap.Logger
	OnTransition func(Transition)
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = DefaultTerminationGrace
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = wire.DefaultMaxLineBytes
	}
	if o.Capabilities == nil {
		o.Capabilities = map[string]any{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type inbound struct {
	msg wire.Message
	raw []byte
	err error
}

type waiter struct {
	method string
	resp   *wire.Message
}

type Session struct {
	id     string
	opts   Options
	logger *zap.Logger
	state  State

	proc     Process
	inbox    chan inbound
	stop     chan struct{}
	pumpDone chan struct{}

	nextID  int64
	pending map[int64]*waiter

	catalog       []model.ToolDescriptor
	catalogCached bool
}

// New returns a Session in CREATED. Nothing is launched until Open.
func New(opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:      id,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("session_id", id)),
		state:   StateCreated,
		nextID:  protocol.HandshakeRequestID + 1,
		pending: map[int64]*waiter{},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

// PID is 0 until the subprocess has been launched.
func (s *Session) PID() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Run is the scoped form of a Session: it opens one, hands it to fn and
// closes it on every exit path, including panics inside fn.
func Run(ctx context.Context, opts Options, fn func(context.Context, *Session) error) (err error) {
	s := New(opts)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := s.Open(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}

// Open launches the subprocess and completes the initialize handshake.
func (s *Session) Open(ctx context.Context) error {
	if s.state != StateCreated {
		return s.invalidState("open", StateCreated)
	}
	s.transition(StateLaunching, nil)
	if s.opts.Launch == nil {
		return s.fail(model.Errorf(model.KindLaunch, "no launcher configured"))
	}
	proc, err := s.opts.Launch(ctx)
	if err != nil {
		return s.fail(err)
	}
	s.proc = proc
	s.logger = s.logger.With(zap.Int("pid", proc.PID()))
	s.inbox = make(chan inbound)
	s.stop = make(chan struct{})
	s.pumpDone = make(chan struct{})
	go s.pump(wire.NewReader(proc.Stdout(), s.opts.MaxLineBytes))

	s.transition(StateHandshaking, nil)
	if err := s.handshake(ctx); err != nil {
		return s.fail(err)
	}
	s.transition(StateReady, nil)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := map[string]any{"capabilities": s.opts.Capabilities}
	if s.opts.ClientName != "" {
		params["clientInfo"] = map[string]any{"name": s.opts.ClientName, "version": s.opts.ClientVersion}
	}

	msg, err := s.roundTrip(ctx, protocol.HandshakeRequestID, protocol.RPCMethodInitialize, params, s.opts.HandshakeTimeout, model.KindHandshakeTimeout)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return model.Errorf(model.KindProtocol, "initialize rejected: %d %s", msg.Error.Code, msg.Error.Message)
	}

	var result struct {
		Tools *[]model.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return model.Wrap(model.KindProtocol, err, "initialize result is not an object")
	}
	if result.Tools != nil {
		s.catalog = *result.Tools
		s.catalogCached = true
	}

	if s.opts.SendInitialized {
		if err := s.send(ctx, wire.NewNotification(protocol.RPCMethodNotificationsInitialized, nil), s.opts.HandshakeTimeout); err != nil {
			return err
		}
	}
	s.logger.Debug("handshake complete", zap.Bool("catalog_cached", s.catalogCached), zap.Int("tools", len(s.catalog)))
	return nil
}

// ListTools returns the handshake catalog, asking the subprocess with
// tools/list only when the handshake did not carry one.
func (s *Session) ListTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	if s.state != StateReady {
		return nil, s.invalidState("list_tools", StateReady)
	}
	if s.catalogCached {
		return append([]model.ToolDescriptor(nil), s.catalog...), nil
	}

	s.transition(StateExecuting, nil)
	msg, err := s.roundTrip(ctx, s.allocateID(), protocol.RPCMethodToolsList, map[string]any{}, s.opts.CallTimeout, model.KindToolTimeout)
	if err != nil {
		return nil, s.fail(err)
	}
	if msg.Error != nil {
		s.transition(StateReady, nil)
		return nil, rpcToolError(protocol.RPCMethodToolsList, msg.Error)
	}
	var result struct {
		Tools []model.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, s.fail(model.Wrap(model.KindProtocol, err, "tools/list result is malformed"))
	}
	s.catalog = result.Tools
	s.catalogCached = true
	s.transition(StateReady, nil)
	return append([]model.ToolDescriptor(nil), s.catalog...), nil
}

// Catalog returns the cached catalog without talking to the subprocess.
func (s *Session) Catalog() ([]model.ToolDescriptor, bool) {
	return append([]model.ToolDescriptor(nil), s.catalog...), s.catalogCached
}

// CallTool invokes name with arguments and returns the opaque result object.
// timeout <= 0 uses Options.CallTimeout. A timeout, cancellation, exit or
// protocol violation leaves the Session torn down; a JSON-RPC error answer
// is returned as tool_error and the Session stays READY.
func (s *Session) CallTool(ctx context.Context, name string, arguments any, timeout time.Duration) (json.RawMessage, error) {
	if s.state != StateReady {
		return nil, s.invalidState("call_tool", StateReady)
	}
	if strings.TrimSpace(name) == "" {
		return nil, model.Errorf(model.KindInvalidArguments, "tool name is empty")
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}

	id := s.allocateID()
	req := s.request(id, protocol.RPCMethodToolsCall, map[string]any{"name": name, "arguments": arguments})
	// Encoding fails before anything reaches the subprocess, so the Session stays usable.
	line, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	s.transition(StateExecuting, nil)
	start := time.Now()
	msg, err := s.exchange(ctx, id, protocol.RPCMethodToolsCall, line, timeout, model.KindToolTimeout)
	if err != nil {
		return nil, s.fail(err)
	}
	s.transition(StateReady, nil)

	if msg.Error != nil {
		return nil, rpcToolError(name, msg.Error)
	}
	s.logger.Debug("tool call complete", zap.String("tool", name), zap.Int64("request_id", id), zap.Duration("elapsed", time.Since(start)))
	return msg.Result, nil
}

// Close terminates the subprocess within the termination grace period and
// moves the Session to CLOSED. It is safe to call any number of times.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	return s.teardown()
}

func (s *Session) teardown() error {
	if s.state != StateClosing {
		s.transition(StateClosing, nil)
	}

	var err error
	if s.proc != nil {
		close(s.stop)
		if terr := s.proc.Terminate(s.opts.TerminationGrace); terr != nil {
			err = fmt.Errorf("terminate subprocess: %w", terr)
			s.logger.Warn("terminate subprocess failed", zap.Error(terr))
		}
		timer := time.NewTimer(pumpWait)
		select {
		case <-s.pumpDone:
		case <-timer.C:
			s.logger.Warn("stdout reader still blocked after terminate")
		}
		timer.Stop()
	}
	for id := range s.pending {
		delete(s.pending, id)
	}
	s.transition(StateClosed, nil)
	return err
}

// fail records err, moves to FAILED and tears the Session down. It returns
// err unchanged so callers can write `return s.fail(err)`.
func (s *Session) fail(err error) error {
	if s.state == StateClosing || s.state == StateClosed {
		return err
	}
	if model.IsKind(err, model.KindProtocol) {
		var e *model.Error
		if errors.As(err, &e) && e.RawLine != "" {
			s.logger.Warn("protocol error", zap.Error(err), zap.String("raw_line", truncate(e.RawLine, 512)))
		} else {
			s.logger.Warn("protocol error", zap.Error(err))
		}
	} else {
		s.logger.Info("session failed", zap.String("kind", string(model.KindOf(err))), zap.Error(err))
	}
	s.transition(StateFailed, err)
	_ = s.teardown()
	return err
}

func (s *Session) transition(to State, err error) {
	from := s.state
	if !canTransition(from, to) {
		s.logger.Error("illegal session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	s.state = to
	s.logger.Debug("session state", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(Transition{SessionID: s.id, From: from, To: to, At: time.Now(), Err: err})
	}
}

func (s *Session) invalidState(op string, want State) error {
	return model.Errorf(model.KindInvalidState, "%s requires %s, session is %s", op, want, s.state)
}

func (s *Session) allocateID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Session) request(id int64, method string, params any) wire.Request {
	req := wire.NewRequest(id, method, params)
	req.JSONRPC = s.opts.JSONRPCVersion
	return req
}

func rpcToolError(what string, rpcErr *wire.RPCError) error {
	e := model.Errorf(model.KindToolError, "%s failed: %s", what, rpcErr.Message)
	e.RPCCode = rpcErr.Code
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
