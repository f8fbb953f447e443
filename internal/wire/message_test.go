package wire

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolbridge/internal/model"
)

func TestEncodeRequestIsOneLine(t *testing.T) {
	line, err := Encode(NewRequest(7, "tools/call", map[string]any{
		"name":      "ping",
		"arguments": map[string]any{"text": "a\nb <tag>"},
	}))
	require.NoError(t, err)

	assert.Equal(t, `{"id":7,"method":"tools/call","params":{"arguments":{"text":"a\nb <tag>"},"name":"ping"}}`+"\n", string(line))
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
}

func TestEncodeHandshakeUsesIDZero(t *testing.T) {
	line, err := Encode(NewRequest(0, "initialize", map[string]any{"capabilities": map[string]any{}}))
	require.NoError(t, err)
	assert.Equal(t, `{"id":0,"method":"initialize","params":{"capabilities":{}}}`+"\n", string(line))
}

func TestEncodeNilParamsAndNotification(t *testing.T) {
	line, err := Encode(NewRequest(3, "tools/list", nil))
	require.NoError(t, err)
	assert.Equal(t, `{"id":3,"method":"tools/list","params":{}}`+"\n", string(line))

	line, err = Encode(NewNotification("notifications/initialized", nil))
	require.NoError(t, err)
	assert.Equal(t, `{"method":"notifications/initialized","params":{}}`+"\n", string(line))

	req := NewRequest(1, "tools/list", nil)
	req.JSONRPC = "2.0"
	line, err = Encode(req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(line), `{"jsonrpc":"2.0","id":1,`))
}

func TestEncodeRejectsUnserializableParams(t *testing.T) {
	for name, params := range map[string]any{
		"channel": map[string]any{"c": make(chan int)},
		"func":    func() {},
		"nan":     math.NaN(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Encode(NewRequest(1, "tools/call", params))
			require.Error(t, err)
			assert.Equal(t, model.KindEncoding, model.KindOf(err))
		})
	}
}

func TestDecodeShapes(t *testing.T) {
	msg, err := Decode([]byte(`{"id":4,"result":{"tools":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.EqualValues(t, 4, msg.ID)
	assert.JSONEq(t, `{"tools":[]}`, string(msg.Result))
	assert.Nil(t, msg.Error)

	msg, err = Decode([]byte(`{"jsonrpc":"2.0","id":5,"error":{"code":-32601,"message":"nope"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)
	assert.Equal(t, "nope", msg.Error.Message)

	msg, err = Decode([]byte(`{"method":"notifications/progress","params":{"pct":50}}`))
	require.NoError(t, err)
	assert.Equal(t, KindNotification, msg.Kind)
	assert.Equal(t, "notifications/progress", msg.Method)
	assert.JSONEq(t, `{"pct":50}`, string(msg.Params))

	msg, err = Decode([]byte(`{"id":9,"method":"sampling/create"}`))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, msg.Kind)
	assert.EqualValues(t, 9, msg.ID)

	// An explicit null error next to a result is still a success response.
	msg, err = Decode([]byte(`{"id":1,"result":{},"error":null}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Nil(t, msg.Error)
}

func TestDecodeRejectsInvalidLines(t *testing.T) {
	cases := map[string]string{
		"not json":         `this is not json`,
		"array":            `[1,2,3]`,
		"no id or method":  `{"result":{}}`,
		"string id":        `{"id":"7","result":{}}`,
		"fractional id":    `{"id":1.5,"result":{}}`,
		"both members":     `{"id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"neither member":   `{"id":1}`,
		"numeric method":   `{"method":42}`,
		"bad error object": `{"id":1,"error":"boom"}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(line))
			require.Error(t, err)
			var e *model.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, model.KindProtocol, e.Kind)
			assert.Equal(t, line, e.RawLine)
		})
	}
}

func TestEncodeResponseRoundTripsThroughDecode(t *testing.T) {
	line, err := EncodeResponse(Response{ID: 12, Error: &RPCError{Code: -32004, Message: "tool failed", Data: json.RawMessage(`{"kind":"tool_error"}`)}})
	require.NoError(t, err)

	msg, err := Decode([]byte(strings.TrimSuffix(string(line), "\n")))
	require.NoError(t, err)
	assert.EqualValues(t, 12, msg.ID)
	require.NotNil(t, msg.Error)
	assert.JSONEq(t, `{"kind":"tool_error"}`, string(msg.Error.Data))

	line, err = EncodeResponse(Response{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"id":2,"result":{}}`+"\n", string(line))
}

func TestReaderBuffersPartialReads(t *testing.T) {
	input := `{"id":1,"result":{"a":1}}` + "\n\n   \n" + `{"method":"log"}` + "\r\n" + `{"id":2,"result":{}}`
	r := NewReader(iotest.OneByteReader(strings.NewReader(input)), 0)

	msg, _, err := r.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.ID)

	msg, raw, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindNotification, msg.Kind)
	assert.Equal(t, `{"method":"log"}`, string(raw))

	// The final line has no terminator but is still delivered.
	msg, _, err = r.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.ID)

	_, _, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsOversizeLineAndRecovers(t *testing.T) {
	long := `{"id":1,"result":"` + strings.Repeat("x", 200<<10) + `"}`
	r := NewReader(strings.NewReader(long+"\n"+`{"id":2,"result":{}}`+"\n"), 1024)

	_, err := r.ReadLine()
	require.Error(t, err)
	assert.Equal(t, model.KindProtocol, model.KindOf(err))

	msg, _, err := r.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.ID)
}

func TestWriterDoesNotInterleaveLines(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewWriter(pw)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteResponse(Response{ID: int64(i*perWriter + j), Result: json.RawMessage(`{"pad":"` + strings.Repeat("p", 512) + `"}`)})
			}
		}(i)
	}
	go func() {
		wg.Wait()
		_ = pw.Close()
	}()

	r := NewReader(pr, 0)
	seen := map[int64]bool{}
	for {
		msg, _, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		seen[msg.ID] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestEncodeRejectionEchoesOrNullsID(t *testing.T) {
	line, err := EncodeRejection(Rejection{JSONRPC: "2.0", ID: json.RawMessage(`"req-1"`), Error: &RPCError{Code: -32600, Message: "bad"}})
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":"req-1","error":{"code":-32600,"message":"bad"}}`+"\n", string(line))

	line, err = EncodeRejection(Rejection{Error: &RPCError{Code: -32700, Message: "parse error"}})
	require.NoError(t, err)
	assert.Equal(t, `{"id":null,"error":{"code":-32700,"message":"parse error"}}`+"\n", string(line))
}
