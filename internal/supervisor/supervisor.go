// Package supervisor owns the OS lifetime of a tool subprocess: it launches
// the process with piped standard streams and guarantees a bounded stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/model"
)

const (
	DefaultLaunchGrace = 50 * time.Millisecond
	// killWait bounds how long Terminate waits for the OS to reap a killed process.
	killWait       = 5 * time.Second
	stderrDrain    = 250 * time.Millisecond
	stderrTailSize = 20
)

// State is the coarse OS-level state of a launched process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Spec describes how to start the subprocess.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	// InheritEnv starts from the parent environment before applying Env.
	InheritEnv bool
	Dir        string
	// LaunchGrace is the window in which a non-zero exit counts as a launch failure.
	LaunchGrace time.Duration
}

// Process is one launched subprocess. Terminate must be called exactly once
// by its owner; further calls are no-ops.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	logger *zap.Logger

	tail       *tailBuffer
	stderrDone chan struct{}

	done     chan struct{}
	exitCode int

	termOnce sync.Once
	termErr  error
}

// Launch starts the subprocess described by spec and waits out the launch
// grace window. ctx bounds only the launch itself, not the process lifetime.
func Launch(ctx context.Context, spec Spec, logger *zap.Logger) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, model.Errorf(model.KindLaunch, "process command is empty")
	}
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, model.Wrap(model.KindLaunch, err, "executable %q not found", spec.Command)
	}

	// Plain os.Pipe pairs instead of cmd.StdoutPipe: Wait must not close the
	// read side while the owner is still draining it.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, model.Wrap(model.KindLaunch, err, "create stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, model.Wrap(model.KindLaunch, err, "create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, model.Wrap(model.KindLaunch, err, "create stderr pipe")
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, model.Wrap(model.KindLaunch, err, "start %s", spec.Command)
	}
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		cmd:        cmd,
		stdin:      stdinW,
		stdout:     stdoutR,
		logger:     logger.With(zap.Int("pid", cmd.Process.Pid)),
		tail:       newTailBuffer(stderrTailSize),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.pumpStderr(stderrR)
	go p.wait()

	grace := spec.LaunchGrace
	if grace <= 0 {
		grace = DefaultLaunchGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		if p.exitCode == 0 {
			// A clean early exit is not a launch failure; the owner sees EOF.
			return p, nil
		}
		p.drainStderr()
		_ = p.Terminate(0)
		e := model.Errorf(model.KindLaunch, "%s exited with status %d during launch%s", spec.Command, p.exitCode, p.tailSuffix())
		e.ExitCode = p.exitCode
		return nil, e
	case <-ctx.Done():
		_ = p.Terminate(0)
		return nil, model.Wrap(model.KindCanceled, ctx.Err(), "launch %s", spec.Command)
	case <-timer.C:
		return p, nil
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.logger.Debug("process exited", zap.Int("exit_code", p.exitCode), zap.Error(err))
	close(p.done)
}

// Stdin is the write side of the subprocess's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the read side of the subprocess's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done is closed; -1 means killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

func (p *Process) State() State {
	select {
	case <-p.done:
		return StateExited
	default:
		return StateRunning
	}
}

// StderrTail returns up to the last 20 lines the process wrote to stderr.
func (p *Process) StderrTail() []string { return p.tail.lines() }

// Terminate closes stdin, asks the process to stop, and force-kills it if it
// is still running after grace. Calling it on an exited process, or calling
// it again, is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	first := false
	p.termOnce.Do(func() {
		first = true
		p.termErr = p.terminate(grace)
		p.drainStderr()
	})
	if !first {
		return nil
	}
	return p.termErr
}

func (p *Process) terminate(grace time.Duration) error {
	defer func() {
		_ = p.stdout.Close()
	}()
	_ = p.stdin.Close()

	if p.exited(0) {
		return nil
	}

	if runtime.GOOS != "windows" && grace > 0 {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("sigterm failed", zap.Error(err))
		}
	}
	if grace > 0 && p.exited(grace) {
		p.logger.Debug("process stopped gracefully", zap.Int("exit_code", p.exitCode))
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	if !p.exited(killWait) {
		return fmt.Errorf("process %d did not exit after kill", p.PID())
	}
	p.logger.Debug("process killed", zap.Duration("grace", grace))
	return nil
}

func (p *Process) exited(within time.Duration) bool {
	if within <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(within)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) drainStderr() {
	timer := time.NewTimer(stderrDrain)
	defer timer.Stop()
	select {
	case <-p.stderrDone:
	case <-timer.C:
	}
}

func (p *Process) tailSuffix() string {
	lines := p.tail.lines()
	if len(lines) == 0 {
		return ""
	}
	return ": " + strings.Join(lines, " | ")
}

func buildEnv(spec Spec) []string {
	env := []string{}
	if spec.InheritEnv {
		env = append(env, os.Environ()...)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
