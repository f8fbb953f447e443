package session

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/model"
	"toolbridge/internal/protocol"
	"toolbridge/internal/wire"
)

// pump is the only goroutine besides the owner. It never touches Session
// state: it forwards each line, or the terminal read error, and stops.
func (s *Session) pump(r *wire.Reader) {
	defer close(s.pumpDone)
	for {
		msg, raw, err := r.Read()
		select {
		case s.inbox <- inbound{msg: msg, raw: raw, err: err}:
		case <-s.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) roundTrip(ctx context.Context, id int64, method string, params any, limit time.Duration, timeoutKind model.Kind) (wire.Message, error) {
	line, err := wire.Encode(s.request(id, method, params))
	if err != nil {
		return wire.Message{}, err
	}
	return s.exchange(ctx, id, method, line, limit, timeoutKind)
}

// exchange writes one request line and waits for the response carrying id.
func (s *Session) exchange(ctx context.Context, id int64, method string, line []byte, limit time.Duration, timeoutKind model.Kind) (wire.Message, error) {
	deadline := time.Now().Add(limit)
	s.pending[id] = &waiter{method: method}
	if err := s.write(ctx, line, deadline, timeoutKind); err != nil {
		delete(s.pending, id)
		return wire.Message{}, err
	}
	msg, err := s.await(ctx, id, deadline, limit, timeoutKind)
	if err != nil {
		delete(s.pending, id)
	}
	return msg, err
}

func (s *Session) send(ctx context.Context, req wire.Request, limit time.Duration) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, model.KindHandshakeTimeout, req.Method)
	}
	req.JSONRPC = s.opts.JSONRPCVersion
	line, err := wire.Encode(req)
	if err != nil {
		return err
	}
	return s.write(ctx, line, time.Now().Add(limit), model.KindHandshakeTimeout)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// write hands line to the subprocess and gives up at deadline or when ctx is
// done, whether or not stdin supports write deadlines. A write abandoned that
// way may still be blocked; the caller fails the Session, whose teardown
// closes stdin and releases it.
func (s *Session) write(ctx context.Context, line []byte, deadline time.Time, timeoutKind model.Kind) error {
	stdin := s.proc.Stdin()
	d, hasDeadline := stdin.(writeDeadliner)
	if hasDeadline && d.SetWriteDeadline(deadline) != nil {
		hasDeadline = false
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdin.Write(line)
		done <- err
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-done:
		if hasDeadline {
			_ = d.SetWriteDeadline(time.Time{})
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return model.Wrap(timeoutKind, err, "subprocess stopped reading its input")
		}
		s.logger.Debug("write to subprocess failed", zap.Error(err))
		return s.waitExited()
	case <-timer.C:
		return model.Errorf(timeoutKind, "subprocess stopped reading its input")
	case <-ctx.Done():
		return contextError(ctx.Err(), timeoutKind, "write")
	}
}

// await consumes inbound lines until the response for id arrives. Responses
// are matched strictly by id; notifications and peer requests are handled
// in passing.
func (s *Session) await(ctx context.Context, id int64, deadline time.Time, limit time.Duration, timeoutKind model.Kind) (wire.Message, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	exited := s.proc.Done()
	var drain <-chan time.Time
	for {
		if w, ok := s.pending[id]; ok && w.resp != nil {
			delete(s.pending, id)
			return *w.resp, nil
		}

		select {
		case in := <-s.inbox:
			if err := s.dispatch(ctx, in, deadline, timeoutKind); err != nil {
				return wire.Message{}, err
			}
		case <-exited:
			exited = nil
			drain = time.After(exitDrain)
		case <-drain:
			return wire.Message{}, s.exitedError()
		case <-timer.C:
			return wire.Message{}, model.Errorf(timeoutKind, "%s: no response to request %d within %s", s.pending[id].method, id, limit)
		case <-ctx.Done():
			return wire.Message{}, contextError(ctx.Err(), timeoutKind, s.pending[id].method)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, in inbound, deadline time.Time, timeoutKind model.Kind) error {
	if in.err != nil {
		if model.IsKind(in.err, model.KindProtocol) {
			return in.err
		}
		s.logger.Debug("subprocess stdout closed", zap.Error(in.err))
		return s.waitExited()
	}

	msg := in.msg
	switch msg.Kind {
	case wire.KindNotification:
		s.logger.Debug("ignoring notification", zap.String("method", msg.Method))
	case wire.KindRequest:
		s.logger.Debug("rejecting request from subprocess", zap.String("method", msg.Method), zap.Int64("request_id", msg.ID))
		if err := s.rejectPeerRequest(ctx, msg, deadline, timeoutKind); err != nil {
			return err
		}
	case wire.KindResponse:
		w, ok := s.pending[msg.ID]
		if !ok || w.resp != nil {
			e := model.Errorf(model.KindProtocol, "response for unknown request id %d", msg.ID)
			e.RawLine = string(in.raw)
			return e
		}
		w.resp = &msg
	}
	return nil
}

// rejectPeerRequest answers a request from the subprocess with -32601. The
// reply shares the deadline of the call being awaited.
func (s *Session) rejectPeerRequest(ctx context.Context, msg wire.Message, deadline time.Time, timeoutKind model.Kind) error {
	line, err := wire.EncodeResponse(wire.Response{
		JSONRPC: s.opts.JSONRPCVersion,
		ID:      msg.ID,
		Error:   &wire.RPCError{Code: protocol.RPCCodeMethodNotFound, Message: "method not found: " + msg.Method},
	})
	if err != nil {
		return nil
	}
	return s.write(ctx, line, deadline, timeoutKind)
}

// waitExited gives the subprocess a moment to be reaped after its streams
// closed, then reports process_exited with whatever status is known.
func (s *Session) waitExited() error {
	timer := time.NewTimer(exitWait)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
	case <-timer.C:
	}
	return s.exitedError()
}

func (s *Session) exitedError() error {
	code := s.proc.ExitCode()
	msg := "subprocess exited with status " + strconv.Itoa(code)
	if tail := s.proc.StderrTail(); len(tail) > 0 {
		msg += ": " + strings.Join(tail, " | ")
	}
	e := model.Errorf(model.KindProcessExited, "%s", msg)
	e.ExitCode = code
	return e
}

func contextError(err error, timeoutKind model.Kind, method string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(timeoutKind, err, "%s", method)
	}
	return model.Wrap(model.KindCanceled, err, "%s", method)
}
