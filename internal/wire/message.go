// Package wire frames JSON-RPC style messages as newline-delimited UTF-8 JSON,
// one object per line, for a subprocess's standard streams.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"toolbridge/internal/model"
)

// Request is an outbound call. A nil ID makes it a one-way notification.
type Request struct {
	JSONRPC string `json:"jsonrpc,omitempty"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one Request by id. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind tells decoded shapes apart.
type MessageKind int

const (
	KindResponse MessageKind = iota + 1
	KindNotification
	// KindRequest is a call initiated by the peer (method and id both present).
	KindRequest
)

func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Message is one decoded line.
type Message struct {
	Kind   MessageKind
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// NewRequest builds a request with the given id.
func NewRequest(id int64, method string, params any) Request {
	return Request{ID: &id, Method: method, Params: params}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) Request {
	return Request{Method: method, Params: params}
}

// Encode serialises req as a single newline-terminated line.
func Encode(req Request) ([]byte, error) {
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return encodeLine(req, req.Method)
}

// EncodeResponse serialises resp as a single newline-terminated line.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp.Error == nil && len(resp.Result) == 0 {
		resp.Result = json.RawMessage("{}")
	}
	return encodeLine(resp, "response "+strconv.FormatInt(resp.ID, 10))
}

// Rejection answers a line that could not be decoded into a Request. ID is
// echoed as it arrived, or JSON null when it could not be recovered.
type Rejection struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

func EncodeRejection(rej Rejection) ([]byte, error) {
	if len(rej.ID) == 0 {
		rej.ID = json.RawMessage("null")
	}
	return encodeLine(rej, "rejection "+string(rej.ID))
}

func encodeLine(v any, what string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode emits compact JSON followed by exactly one '\n'.
	if err := enc.Encode(v); err != nil {
		return nil, model.Wrap(model.KindEncoding, err, "%s is not JSON-serializable", what)
	}
	return buf.Bytes(), nil
}

// Decode parses one line (without its terminator) into a Message.
func Decode(line []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Message{}, protocolError(line, "line is not a JSON object: %v", err)
	}

	idRaw, hasID := present(fields, "id")
	resultRaw, hasResult := present(fields, "result")
	errRaw, hasError := present(fields, "error")
	methodRaw, hasMethod := present(fields, "method")

	var msg Message
	if hasMethod {
		if err := json.Unmarshal(methodRaw, &msg.Method); err != nil || strings.TrimSpace(msg.Method) == "" {
			return Message{}, protocolError(line, "method must be a non-empty string")
		}
		msg.Params, _ = present(fields, "params")
	}
	if hasID {
		id, err := parseID(idRaw)
		if err != nil {
			return Message{}, protocolError(line, "%v", err)
		}
		msg.ID = id
	}

	switch {
	case hasMethod && !hasID:
		msg.Kind = KindNotification
	case hasMethod && hasID:
		msg.Kind = KindRequest
	case hasID && hasResult && hasError:
		return Message{}, protocolError(line, "response %d carries both result and error", msg.ID)
	case hasID && hasResult:
		msg.Kind = KindResponse
		msg.Result = resultRaw
	case hasID && hasError:
		var rpcErr RPCError
		if err := json.Unmarshal(errRaw, &rpcErr); err != nil {
			return Message{}, protocolError(line, "response %d has malformed error object: %v", msg.ID, err)
		}
		msg.Kind = KindResponse
		msg.Error = &rpcErr
	case hasID:
		return Message{}, protocolError(line, "response %d carries neither result nor error", msg.ID)
	default:
		return Message{}, protocolError(line, "message has neither id nor method")
	}
	return msg, nil
}

// present treats an explicit JSON null the same as an absent member.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func parseID(raw json.RawMessage) (int64, error) {
	text := string(bytes.TrimSpace(raw))
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, model.Errorf(model.KindProtocol, "id %s is not an integer", text)
	}
	return id, nil
}

func protocolError(line []byte, format string, args ...any) *model.Error {
	e := model.Errorf(model.KindProtocol, format, args...)
	e.RawLine = string(line)
	return e
}
