package supervisor

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"
)

func (p *Process) pumpStderr(r io.ReadCloser) {
	defer func() {
		_ = r.Close()
		close(p.stderrDone)
	}()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		line := s.Text()
		p.tail.add(line)
		p.logger.Debug("subprocess stderr", zap.String("line", line))
	}
}

// tailBuffer keeps the most recent lines written to stderr.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	buf  []string
	next int
	full bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]string, max)}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.next == 0 {
		t.full = true
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, t.max)
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
