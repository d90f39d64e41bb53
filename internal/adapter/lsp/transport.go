package lsp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// Conn wraps an io.ReadWriteCloser (the stdio pipes of a language server
// process) and implements the LSP base protocol: JSON-RPC 2.0 messages framed
// with Content-Length headers.
//
// Writes are serialized under a mutex so concurrent callers never interleave
// frames on the wire. Reads are single-consumer: only the session read loop
// calls ReadMessage.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // protects writes
}

// NewConn creates a framed connection over the given stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// WriteMessage marshals msg and writes it as one frame. Safe for concurrent
// use; the header and body of a frame are never split by another writer.
func (c *Conn) WriteMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(c.rwc, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage blocks until a full frame is available, the stream closes, or a
// framing violation occurs. Stream closure surfaces as io.EOF; malformed
// headers or bodies surface as *domain.ProtocolError.
func (c *Conn) ReadMessage() (*Message, error) {
	data, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &domain.ProtocolError{Reason: "malformed message body", Err: err}
	}

	return &msg, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// readFrame reads one Content-Length-framed body from the connection.
// The reader tolerates bodies arriving split across many underlying reads.
func (c *Conn) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // End of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &domain.ProtocolError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &domain.ProtocolError{Reason: "bad Content-Length " + strings.TrimSpace(value), Err: err}
			}
			contentLength = n
		}
		// Ignore other headers (e.g. Content-Type).
	}

	if contentLength < 0 {
		return nil, &domain.ProtocolError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read body (%d bytes): %w", contentLength, err)
	}

	return body, nil
}
