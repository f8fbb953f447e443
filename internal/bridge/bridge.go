// Package bridge turns one external request into exactly one admission-gated
// Session lifecycle: acquire, open, call, close, release.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/admission"
	"toolbridge/internal/model"
	"toolbridge/internal/session"
)

type Options struct {
	// Session is the template every per-request Session is built from.
	Session           session.Options
	AdmissionTimeout  time.Duration
	ValidateArguments bool
	Logger            *zap.Logger
}

// Server holds no Session between requests; the admission counter is the
// only state shared by concurrent callers. Schemas used for argument
// validation are compiled per request from that request's catalog.
type Server struct {
	admission *admission.Controller
	opts      Options
	logger    *zap.Logger
}

func New(ctrl *admission.Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", "bridge"))
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger.With(zap.String("component", "session"))
	}
	return &Server{
		admission: ctrl,
		opts:      opts,
		logger:    logger,
	}
}

// CallTool runs name in a fresh Session. timeout <= 0 uses the configured
// tool call timeout.
func (s *Server) CallTool(ctx context.Context, name string, arguments any, timeout time.Duration) (model.ToolResult, error) {
	var out model.ToolResult
	err := s.withSession(ctx, "call_tool", func(ctx context.Context, sess *session.Session) error {
		if s.opts.ValidateArguments {
			tools, err := sess.ListTools(ctx)
			if err != nil {
				return err
			}
			if err := validateArguments(tools, name, arguments); err != nil {
				return err
			}
		}

		start := time.Now()
		raw, err := sess.CallTool(ctx, name, arguments, timeout)
		if err != nil {
			return err
		}
		out = model.ToolResult{Tool: name, Result: raw, SessionID: sess.ID(), Elapsed: time.Since(start)}
		return nil
	})
	if err != nil {
		return model.ToolResult{}, err
	}
	return out, nil
}

// ListTools opens a Session only to read its catalog.
func (s *Server) ListTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	var tools []model.ToolDescriptor
	err := s.withSession(ctx, "list_tools", func(ctx context.Context, sess *session.Session) error {
		var err error
		tools, err = sess.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// Health reads admission occupancy and never launches anything.
func (s *Server) Health() model.Health {
	st := s.admission.Stats()
	status := model.HealthStatusOK
	if st.Active >= st.Capacity {
		status = model.HealthStatusSaturated
	}
	return model.Health{Status: status, ActiveSessions: st.Active, Capacity: st.Capacity, Waiting: st.Waiting}
}

// SetCapacity resizes admission at runtime, e.g. after a config reload.
func (s *Server) SetCapacity(n int) error {
	return s.admission.SetCapacity(n)
}

// withSession is the scoped acquisition around every request: the ticket is
// released and the Session closed on every exit path.
func (s *Server) withSession(ctx context.Context, op string, fn func(context.Context, *session.Session) error) error {
	start := time.Now()
	ticket, err := s.admission.Acquire(ctx, s.opts.AdmissionTimeout)
	if err != nil {
		s.logger.Info("admission refused", zap.String("op", op), zap.String("kind", string(model.KindOf(err))), zap.Error(err))
		return err
	}
	defer func() {
		if rerr := ticket.Release(); rerr != nil {
			s.logger.Error("admission ticket released twice", zap.Uint64("ticket", ticket.ID), zap.Error(rerr))
		}
	}()

	opts := s.opts.Session
	observer := opts.OnTransition
	opts.OnTransition = func(tr session.Transition) {
		if tr.To == session.StateFailed {
			s.logger.Debug("session failed", zap.String("session_id", tr.SessionID), zap.String("from", string(tr.From)), zap.Error(tr.Err))
		}
		if observer != nil {
			observer(tr)
		}
	}

	err = session.Run(ctx, opts, fn)
	fields := []zap.Field{
		zap.String("op", op),
		zap.Uint64("ticket", ticket.ID),
		zap.Duration("admission_wait", ticket.Waited),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		s.logger.Info("request failed", append(fields, zap.String("kind", string(model.KindOf(err))), zap.Error(err))...)
		return err
	}
	s.logger.Debug("request complete", fields...)
	return nil
}

// DecodeArguments parses a JSON object of tool arguments. Empty input is an
// empty object.
func DecodeArguments(raw []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, model.Wrap(model.KindInvalidArguments, err, "arguments must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
