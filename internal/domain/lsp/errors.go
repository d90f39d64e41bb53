package lsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for per-request and session-lifecycle failures.
var (
	// ErrTimeout indicates no response arrived within a request's deadline.
	// Local to that request; the session stays usable.
	ErrTimeout = errors.New("request timed out")

	// ErrSessionTerminated indicates the session failed or was shut down
	// while a request was outstanding. The session is no longer usable.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNotReady indicates a request was issued before the session reached
	// Ready or after it left Ready.
	ErrNotReady = errors.New("session not ready")
)

// LaunchError indicates the language server process could not be spawned:
// the executable is missing or the OS refused to create the process.
// Fatal to session creation.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed frame on the wire or a capability
// mismatch during the handshake. Fatal to the session.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError is a JSON-RPC error object returned by the server for one
// request. Local to that request.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeRequestFailed        = -32803
)
