package cli

import (
	"io"

	"go.uber.org/zap"

	"toolbridge/internal/admission"
	"toolbridge/internal/bridge"
	"toolbridge/internal/buildinfo"
	"toolbridge/internal/config"
	"toolbridge/internal/logging"
	"toolbridge/internal/protocol"
	"toolbridge/internal/session"
	"toolbridge/internal/supervisor"
)

// App wires a loaded config into a ready Bridge Server.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Admission *admission.Controller
	Bridge    *bridge.Server
}

// NewApp builds the logger, admission controller and bridge for cfg. Logs go
// to logOut.
func NewApp(cfg *config.Config, logOut io.Writer) (*App, error) {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: logOut})
	if err != nil {
		return nil, withExit(ExitConfigInvalid, err)
	}

	ctrl := admission.New(cfg.MaxConcurrentSessions, logger.With(zap.String("component", "admission")))
	srv := bridge.New(ctrl, bridge.Options{
		Session:           SessionOptions(cfg, logger),
		AdmissionTimeout:  cfg.AdmissionTimeout(),
		ValidateArguments: cfg.ValidateArguments,
		Logger:            logger,
	})
	return &App{Config: cfg, Logger: logger, Admission: ctrl, Bridge: srv}, nil
}

// Close flushes buffered log entries.
func (a *App) Close() {
	_ = a.Logger.Sync()
}

// SupervisorSpec maps the [process] table onto a launch spec.
func SupervisorSpec(cfg *config.Config) supervisor.Spec {
	return supervisor.Spec{
		Command:     cfg.Process.Command,
		Args:        cfg.Process.Args,
		Env:         cfg.Process.Env,
		InheritEnv:  cfg.Process.InheritEnv,
		Dir:         cfg.Process.Dir,
		LaunchGrace: cfg.LaunchGrace(),
	}
}

// SessionOptions is the per-request Session template for cfg.
func SessionOptions(cfg *config.Config, logger *zap.Logger) session.Options {
	clientName := cfg.Protocol.ClientName
	if clientName == "" && cfg.Protocol.JSONRPCVersion != "" {
		clientName = protocol.DefaultClientName
	}
	return session.Options{
		Launch:           session.SupervisorLauncher(SupervisorSpec(cfg), logger.With(zap.String("component", "supervisor"))),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		CallTimeout:      cfg.ToolCallTimeout(),
		TerminationGrace: cfg.TerminationGrace(),
		MaxLineBytes:     cfg.MaxLineBytes,
		JSONRPCVersion:   cfg.Protocol.JSONRPCVersion,
		SendInitialized:  cfg.Protocol.SendInitialized,
		ClientName:       clientName,
		ClientVersion:    buildinfo.Version,
		Capabilities:     cfg.Protocol.Capabilities,
		Logger:           logger.With(zap.String("component", "session")),
	}
}
