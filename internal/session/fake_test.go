package session

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"toolbridge/internal/protocol"
	"toolbridge/internal/testutil/toolserver"
	"toolbridge/internal/wire"
)

// bufPipe is an unbounded in-memory pipe, closer to an OS pipe than io.Pipe
// because writers never wait for a reader.
type bufPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBufPipe() *bufPipe {
	p := &bufPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.cond.Broadcast()
	return p.buf.Write(b)
}

func (p *bufPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *bufPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// recorder keeps every line the Session wrote to the fake's stdin.
type recorder struct {
	mu    sync.Mutex
	lines []string
	next  io.Writer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	r.lines = append(r.lines, string(bytes.TrimRight(b, "\n")))
	r.mu.Unlock()
	return r.next.Write(b)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// fakeProcess runs toolserver.Serve in a goroutine behind in-memory pipes and
// counts Terminate calls.
type fakeProcess struct {
	stdin  *bufPipe
	stdout *bufPipe
	rec    *recorder

	done     chan struct{}
	exitOnce sync.Once
	exitCode int

	terminations atomic.Int32
}

func startFake(mode string) *fakeProcess {
	f := &fakeProcess{
		stdin:  newBufPipe(),
		stdout: newBufPipe(),
		done:   make(chan struct{}),
	}
	f.rec = &recorder{next: f.stdin}
	go func() {
		f.exit(toolserver.Serve(mode, f.stdin, f.stdout, io.Discard))
	}()
	return f
}

func (f *fakeProcess) exit(code int) {
	f.exitOnce.Do(func() {
		f.exitCode = code
		_ = f.stdout.Close()
		_ = f.stdin.Close()
		close(f.done)
	})
}

func (f *fakeProcess) Stdin() io.Writer      { return f.rec }
func (f *fakeProcess) Stdout() io.Reader     { return f.stdout }
func (f *fakeProcess) PID() int              { return 4242 }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) StderrTail() []string  { return nil }

func (f *fakeProcess) ExitCode() int {
	select {
	case <-f.done:
		return f.exitCode
	default:
		return -1
	}
}

func (f *fakeProcess) Terminate(grace time.Duration) error {
	f.terminations.Add(1)
	_ = f.stdin.Close()
	select {
	case <-f.done:
	case <-time.After(grace):
		f.exit(-1)
	}
	return nil
}

// fakeLauncher hands out fakes in mode and remembers each one.
type fakeLauncher struct {
	mode string

	mu    sync.Mutex
	procs []*fakeProcess
}

func (l *fakeLauncher) launch(ctx context.Context) (Process, error) {
	f := startFake(l.mode)
	l.mu.Lock()
	l.procs = append(l.procs, f)
	l.mu.Unlock()
	return f, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// stallingProcess answers the handshake, then meets tools/call with a request
// of its own and stops reading stdin: every later write blocks until
// Terminate.
type stallingProcess struct {
	stdout   *bufPipe
	released chan struct{}
	done     chan struct{}
	once     sync.Once

	stalled      atomic.Bool
	blocked      atomic.Int32
	terminations atomic.Int32
}

func newStallingProcess() *stallingProcess {
	return &stallingProcess{
		stdout:   newBufPipe(),
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *stallingProcess) Write(b []byte) (int, error) {
	if p.stalled.Load() {
		p.blocked.Add(1)
		<-p.released
		return 0, io.ErrClosedPipe
	}
	msg, err := wire.Decode(bytes.TrimRight(b, "\n"))
	if err != nil {
		return len(b), nil
	}
	switch msg.Method {
	case protocol.RPCMethodInitialize:
		_, _ = p.stdout.Write([]byte(`{"id":0,"result":{"tools":[{"name":"ping","inputSchema":{}}]}}` + "\n"))
	case protocol.RPCMethodToolsCall:
		p.stalled.Store(true)
		_, _ = p.stdout.Write([]byte(`{"id":99,"method":"sampling/createMessage"}` + "\n"))
	}
	return len(b), nil
}

func (p *stallingProcess) Stdin() io.Writer      { return p }
func (p *stallingProcess) Stdout() io.Reader     { return p.stdout }
func (p *stallingProcess) PID() int              { return 4343 }
func (p *stallingProcess) Done() <-chan struct{} { return p.done }
func (p *stallingProcess) StderrTail() []string  { return nil }

func (p *stallingProcess) ExitCode() int { return -1 }

func (p *stallingProcess) Terminate(grace time.Duration) error {
	p.terminations.Add(1)
	p.once.Do(func() {
		close(p.released)
		_ = p.stdout.Close()
		close(p.done)
	})
	return nil
}
