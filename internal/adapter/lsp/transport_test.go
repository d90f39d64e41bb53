package lsp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// duplex joins one pipe end for reading and another for writing into a
// single stream, like a process's stdout/stdin pair.
type duplex struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d duplex) Read(b []byte) (int, error)  { return d.r.Read(b) }
func (d duplex) Write(b []byte) (int, error) { return d.w.Write(b) }
func (d duplex) Close() error {
	d.r.Close()
	return d.w.Close()
}

// newConnPair returns two connected framed connections.
func newConnPair() (client, server *Conn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	client = NewConn(duplex{r: ar, w: bw})
	server = NewConn(duplex{r: br, w: aw})
	return client, server
}

type bufferStream struct {
	*bytes.Buffer
}

func (bufferStream) Close() error { return nil }

func TestWriteReadRoundtrip(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	req, err := NewRequest(7, "textDocument/definition", map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- client.WriteMessage(req)
	}()

	got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if werr := <-done; werr != nil {
		t.Fatalf("WriteMessage: %v", werr)
	}

	if got.ID == nil || *got.ID != 7 {
		t.Errorf("id = %v, want 7", got.ID)
	}
	if got.Method != "textDocument/definition" {
		t.Errorf("method = %q", got.Method)
	}
	if !strings.Contains(string(got.Params), `"value"`) {
		t.Errorf("params = %s", got.Params)
	}
}

func TestReadPartialArrival(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(duplex{r: r, w: w})

	body := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)

	go func() {
		// Dribble the frame a few bytes at a time.
		for i := 0; i < len(frame); i += 5 {
			end := min(i+5, len(frame))
			if _, err := w.Write([]byte(frame[i:end])); err != nil {
				return
			}
		}
	}()

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.ID == nil || *msg.ID != 1 {
		t.Errorf("id = %v, want 1", msg.ID)
	}
}

func TestReadIgnoresExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"initialized"}`
	raw := fmt.Sprintf("Content-Length: %d\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n%s", len(body), body)

	conn := NewConn(bufferStream{bytes.NewBufferString(raw)})
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Method != "initialized" {
		t.Errorf("method = %q", msg.Method)
	}
}

func TestReadFramingErrors(t *testing.T) {
	tests := map[string]string{
		"header without colon":   "Content-Length 42\r\n\r\n",
		"non-numeric length":     "Content-Length: abc\r\n\r\n",
		"missing content length": "Content-Type: application/json\r\n\r\n{}",
		"body is not json":       "Content-Length: 3\r\n\r\n{{{",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			conn := NewConn(bufferStream{bytes.NewBufferString(raw)})
			_, err := conn.ReadMessage()
			var perr *domain.ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestReadClosedStreamIsEOF(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(duplex{r: r, w: w})

	go r.CloseWithError(io.EOF)

	if _, err := conn.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want io.EOF", err)
	}
}

func TestReadTruncatedBodyIsEOF(t *testing.T) {
	// Header promises more bytes than the stream holds.
	conn := NewConn(bufferStream{bytes.NewBufferString("Content-Length: 100\r\n\r\n{}")})
	if _, err := conn.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want io.EOF", err)
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(bufferStream{&buf})

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _ := NewNotification("test/ping", map[string]any{"writer": i})
			if err := conn.WriteMessage(msg); err != nil {
				t.Errorf("WriteMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every frame must parse back intact.
	reader := NewConn(bufferStream{&buf})
	for n := 0; n < writers; n++ {
		msg, err := reader.ReadMessage()
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		if msg.Method != "test/ping" {
			t.Errorf("method = %q", msg.Method)
		}
	}
	if _, err := reader.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("trailing read = %v, want io.EOF", err)
	}
}
