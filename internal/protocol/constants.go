package protocol

const (
	RPCMethodInitialize               = "initialize"
	RPCMethodToolsList                = "tools/list"
	RPCMethodToolsCall                = "tools/call"
	RPCMethodNotificationsInitialized = "notifications/initialized"
	RPCMethodNotificationsCancelled   = "notifications/cancelled"

	// Gateway-only method; never sent to a subprocess.
	RPCMethodHealth = "health"
)

// HandshakeRequestID is the id carried by the initialize request. Tool requests
// on the same session start at HandshakeRequestID+1.
const HandshakeRequestID = 0

// JSON-RPC error codes used on the wire.
const (
	RPCCodeParseError     = -32700
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeInternalError  = -32603

	// Implementation-defined server errors (-32000 to -32099).
	RPCCodeOverloaded      = -32001
	RPCCodeTimeout         = -32002
	RPCCodeProcessFailure  = -32003
	RPCCodeToolError       = -32004
	RPCCodeRequestCanceled = -32005
)

// Caller-facing error codes produced by bridge.Translate.
const (
	ErrorCodeOverloaded       = "OVERLOADED"
	ErrorCodeLaunchFailed     = "LAUNCH_FAILED"
	ErrorCodeHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	ErrorCodeProtocolError    = "PROTOCOL_ERROR"
	ErrorCodeToolTimeout      = "TOOL_TIMEOUT"
	ErrorCodeProcessExited    = "PROCESS_EXITED"
	ErrorCodeToolError        = "TOOL_ERROR"
	ErrorCodeInvalidArguments = "INVALID_ARGUMENTS"
	ErrorCodeInvalidState     = "INVALID_STATE"
	ErrorCodeCanceled         = "CANCELED"
	ErrorCodeInternal         = "INTERNAL"
)

// DefaultClientName fills clientInfo.name for JSON-RPC 2.0 peers when no
// client name is configured.
const DefaultClientName = "toolbridge"
