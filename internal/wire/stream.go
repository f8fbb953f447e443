package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"toolbridge/internal/model"
)

// DefaultMaxLineBytes bounds a single line when the caller passes no limit.
const DefaultMaxLineBytes = 16 << 20

// Reader reads newline-delimited messages, buffering partial reads until a
// full line is available.
type Reader struct {
	r       *bufio.Reader
	maxLine int
}

func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), maxLine: maxLineBytes}
}

// ReadLine returns the next non-blank line without its terminator. A final
// unterminated line before EOF is returned as a line; the following call
// returns io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.readRaw()
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return line, nil
	}
}

func (r *Reader) readRaw() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(buf)+len(chunk) > r.maxLine {
			head := append(buf, chunk...)
			if len(head) > 256 {
				head = head[:256]
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				r.discardLine()
			}
			e := model.Errorf(model.KindProtocol, "line exceeds %d bytes", r.maxLine)
			e.RawLine = string(head)
			return nil, e
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return buf, err
		}
	}
}

func (r *Reader) discardLine() {
	for {
		_, err := r.r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// Read returns the next decoded message together with its raw line.
func (r *Reader) Read() (Message, []byte, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Message{}, nil, err
	}
	msg, err := Decode(line)
	return msg, line, err
}

// Writer writes whole lines; concurrent writers never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteRequest(req Request) error {
	line, err := Encode(req)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

func (w *Writer) WriteResponse(resp Response) error {
	line, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

func (w *Writer) WriteRejection(rej Rejection) error {
	line, err := EncodeRejection(rej)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

func (w *Writer) writeLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(line)
	return err
}
