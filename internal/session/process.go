package session

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/supervisor"
)

// Process is the part of a launched subprocess a Session depends on.
// *supervisor.Process satisfies it.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	PID() int
	Done() <-chan struct{}
	ExitCode() int
	StderrTail() []string
	Terminate(grace time.Duration) error
}

// Launcher starts one subprocess per call.
type Launcher func(ctx context.Context) (Process, error)

// SupervisorLauncher launches spec through the process supervisor.
func SupervisorLauncher(spec supervisor.Spec, logger *zap.Logger) Launcher {
	return func(ctx context.Context) (Process, error) {
		p, err := supervisor.Launch(ctx, spec, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
