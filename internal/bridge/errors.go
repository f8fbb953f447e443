package bridge

import (
	"errors"

	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
)

// CallerError is the caller-facing form of a bridge failure.
type CallerError struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	Kind      model.Kind `json:"kind,omitempty"`
	// RPCCode is the JSON-RPC error code used when the failure is sent over the wire.
	RPCCode int `json:"-"`
	// ExitCode is the subprocess exit status for launch and exit failures.
	ExitCode int `json:"exit_code,omitempty"`
}

func (e *CallerError) Error() string {
	return e.Code + ": " + e.Message
}

var kindCodes = map[model.Kind]struct {
	code    string
	rpcCode int
}{
	model.KindAdmissionTimeout: {protocol.ErrorCodeOverloaded, protocol.RPCCodeOverloaded},
	model.KindLaunch:           {protocol.ErrorCodeLaunchFailed, protocol.RPCCodeProcessFailure},
	model.KindHandshakeTimeout: {protocol.ErrorCodeHandshakeTimeout, protocol.RPCCodeTimeout},
	model.KindProtocol:         {protocol.ErrorCodeProtocolError, protocol.RPCCodeProcessFailure},
	model.KindToolTimeout:      {protocol.ErrorCodeToolTimeout, protocol.RPCCodeTimeout},
	model.KindProcessExited:    {protocol.ErrorCodeProcessExited, protocol.RPCCodeProcessFailure},
	model.KindToolError:        {protocol.ErrorCodeToolError, protocol.RPCCodeToolError},
	model.KindInvalidArguments: {protocol.ErrorCodeInvalidArguments, protocol.RPCCodeInvalidParams},
	model.KindEncoding:         {protocol.ErrorCodeInvalidArguments, protocol.RPCCodeInvalidParams},
	model.KindInvalidState:     {protocol.ErrorCodeInvalidState, protocol.RPCCodeInternalError},
	model.KindCanceled:         {protocol.ErrorCodeCanceled, protocol.RPCCodeRequestCanceled},
}

// Translate maps any error returned by Server onto a CallerError. Errors
// outside the taxonomy become INTERNAL.
func Translate(err error) *CallerError {
	if err == nil {
		return nil
	}
	var ce *CallerError
	if errors.As(err, &ce) {
		return ce
	}

	var e *model.Error
	if !errors.As(err, &e) {
		return &CallerError{Code: protocol.ErrorCodeInternal, Message: err.Error(), RPCCode: protocol.RPCCodeInternalError}
	}
	codes, ok := kindCodes[e.Kind]
	if !ok {
		codes.code, codes.rpcCode = protocol.ErrorCodeInternal, protocol.RPCCodeInternalError
	}
	return &CallerError{
		Code:      codes.code,
		Message:   e.Error(),
		Retryable: e.Retryable,
		Kind:      e.Kind,
		RPCCode:   codes.rpcCode,
		ExitCode:  e.ExitCode,
	}
}
