// Package gateway serves bridge requests over a newline-delimited JSON-RPC
// stream, typically the stdin/stdout of "toolbridge serve".
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"toolbridge/internal/bridge"
	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
	"toolbridge/internal/wire"
)

// Backend is the subset of *bridge.Server the gateway dispatches to.
type Backend interface {
	CallTool(ctx context.Context, name string, arguments any, timeout time.Duration) (model.ToolResult, error)
	ListTools(ctx context.Context) ([]model.ToolDescriptor, error)
	Health() model.Health
}

type Options struct {
	// MaxLineBytes bounds one inbound request line; zero uses the wire default.
	MaxLineBytes int
	// JSONRPCVersion is echoed as "jsonrpc" on every response when set.
	JSONRPCVersion string
	Logger         *zap.Logger
}

type Gateway struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
}

func New(backend Backend, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		backend:  backend,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "gateway")),
		inflight: make(map[int64]context.CancelFunc),
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type cancelParams struct {
	RequestID int64 `json:"requestId"`
}

type errorData struct {
	Code      string     `json:"code"`
	Kind      model.Kind `json:"kind,omitempty"`
	Retryable bool       `json:"retryable"`
	ExitCode  int        `json:"exit_code,omitempty"`
}

type inbound struct {
	msg wire.Message
	raw []byte
	err error
}

// Serve reads requests from in until EOF or ctx is done and writes one
// response line per request to out. Every request runs in its own goroutine;
// on EOF Serve waits for the in-flight ones before returning nil.
func (g *Gateway) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := wire.NewReader(in, g.opts.MaxLineBytes)
	writer := wire.NewWriter(out)
	var wg conc.WaitGroup
	defer wg.Wait()

	lines := make(chan inbound)
	go func() {
		for {
			msg, raw, err := reader.Read()
			select {
			case lines <- inbound{msg: msg, raw: raw, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !model.IsKind(err, model.KindProtocol) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gateway stopping", zap.Error(ctx.Err()))
			return ctx.Err()

		case in := <-lines:
			if in.err != nil {
				if model.IsKind(in.err, model.KindProtocol) {
					g.reject(writer, in.raw, in.err)
					continue
				}
				if errors.Is(in.err, io.EOF) {
					g.logger.Debug("input closed, draining in-flight requests")
					return nil
				}
				return fmt.Errorf("read requests: %w", in.err)
			}
			g.handle(ctx, &wg, writer, in.msg)
		}
	}
}

// reject answers a line that did not decode into a request. Unparseable
// input gets a parse error with a null id; a parseable line gets an invalid
// request error echoing its id as sent. Lines without an id are notifications
// and get no reply.
func (g *Gateway) reject(w *wire.Writer, raw []byte, cause error) {
	rej := wire.Rejection{
		JSONRPC: g.opts.JSONRPCVersion,
		Error:   &wire.RPCError{Code: protocol.RPCCodeInvalidRequest, Message: cause.Error()},
	}
	switch {
	case raw == nil:
		// oversize line; nothing to recover an id from
	case !json.Valid(raw):
		rej.Error.Code = protocol.RPCCodeParseError
	default:
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			if len(envelope.ID) == 0 || string(envelope.ID) == "null" {
				g.logger.Warn("skipping invalid notification line", zap.Error(cause))
				return
			}
			rej.ID = envelope.ID
		}
	}
	rej.Error.Data, _ = json.Marshal(errorData{Code: protocol.ErrorCodeProtocolError, Kind: model.KindProtocol})
	g.logger.Warn("rejecting invalid request line", zap.ByteString("id", rej.ID), zap.Int("rpc_code", rej.Error.Code), zap.Error(cause))
	if err := w.WriteRejection(rej); err != nil {
		g.logger.Error("write rejection", zap.Error(err))
	}
}

func (g *Gateway) handle(ctx context.Context, wg *conc.WaitGroup, w *wire.Writer, msg wire.Message) {
	switch msg.Kind {
	case wire.KindNotification:
		if msg.Method == protocol.RPCMethodNotificationsCancelled {
			g.cancelRequest(msg.Params)
		}
		return
	case wire.KindResponse:
		g.logger.Warn("ignoring response from caller", zap.Int64("id", msg.ID))
		return
	}

	reqCtx, reqCancel := context.WithCancel(ctx)
	if !g.register(msg.ID, reqCancel) {
		reqCancel()
		g.write(w, g.errorResponse(msg.ID, protocol.RPCCodeInvalidRequest, protocol.ErrorCodeInvalidArguments,
			fmt.Sprintf("request id %d is already in flight", msg.ID)))
		return
	}
	wg.Go(func() {
		defer g.unregister(msg.ID)
		defer reqCancel()
		g.write(w, g.dispatch(reqCtx, msg))
	})
}

func (g *Gateway) dispatch(ctx context.Context, msg wire.Message) wire.Response {
	switch msg.Method {
	case protocol.RPCMethodHealth:
		return g.result(msg.ID, g.backend.Health())

	case protocol.RPCMethodToolsList:
		tools, err := g.backend.ListTools(ctx)
		if err != nil {
			return g.failure(msg.ID, err)
		}
		if tools == nil {
			tools = []model.ToolDescriptor{}
		}
		return g.result(msg.ID, map[string]any{"tools": tools})

	case protocol.RPCMethodToolsCall:
		var p callParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				return g.failure(msg.ID, model.Wrap(model.KindInvalidArguments, err, "invalid tools/call params"))
			}
		}
		args, err := bridge.DecodeArguments(p.Arguments)
		if err != nil {
			return g.failure(msg.ID, err)
		}
		res, err := g.backend.CallTool(ctx, p.Name, args, time.Duration(p.TimeoutMS)*time.Millisecond)
		if err != nil {
			return g.failure(msg.ID, err)
		}
		return wire.Response{JSONRPC: g.opts.JSONRPCVersion, ID: msg.ID, Result: res.Result}

	default:
		return g.errorResponse(msg.ID, protocol.RPCCodeMethodNotFound, "", "method not found: "+msg.Method)
	}
}

func (g *Gateway) result(id int64, v any) wire.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return g.failure(id, model.Wrap(model.KindEncoding, err, "encode result"))
	}
	return wire.Response{JSONRPC: g.opts.JSONRPCVersion, ID: id, Result: raw}
}

func (g *Gateway) failure(id int64, err error) wire.Response {
	ce := bridge.Translate(err)
	data, _ := json.Marshal(errorData{Code: ce.Code, Kind: ce.Kind, Retryable: ce.Retryable, ExitCode: ce.ExitCode})
	return wire.Response{
		JSONRPC: g.opts.JSONRPCVersion,
		ID:      id,
		Error:   &wire.RPCError{Code: ce.RPCCode, Message: ce.Message, Data: data},
	}
}

func (g *Gateway) errorResponse(id int64, rpcCode int, code, message string) wire.Response {
	resp := wire.Response{JSONRPC: g.opts.JSONRPCVersion, ID: id, Error: &wire.RPCError{Code: rpcCode, Message: message}}
	if code != "" {
		resp.Error.Data, _ = json.Marshal(errorData{Code: code})
	}
	return resp
}

func (g *Gateway) write(w *wire.Writer, resp wire.Response) {
	if err := w.WriteResponse(resp); err != nil {
		g.logger.Error("write response", zap.Int64("id", resp.ID), zap.Error(err))
	}
}

func (g *Gateway) register(id int64, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.inflight[id]; dup {
		return false
	}
	g.inflight[id] = cancel
	return true
}

func (g *Gateway) unregister(id int64) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}

func (g *Gateway) cancelRequest(params json.RawMessage) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		g.logger.Warn("invalid cancel notification", zap.Error(err))
		return
	}
	g.mu.Lock()
	cancel, ok := g.inflight[p.RequestID]
	g.mu.Unlock()
	if ok {
		g.logger.Debug("request cancelled by caller", zap.Int64("id", p.RequestID))
		cancel()
	}
}

// InFlight reports how many requests are being served.
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
