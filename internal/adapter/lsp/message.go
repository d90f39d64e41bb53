package lsp

import (
	"encoding/json"
	"fmt"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// Message represents a JSON-RPC 2.0 message: request, response, or
// notification. One envelope covers all three; classification depends on
// which fields are present.
type Message struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *int64              `json:"id,omitempty"`     // nil for notifications
	Method  string              `json:"method,omitempty"` // present for requests/notifications
	Params  json.RawMessage     `json:"params,omitempty"` // request/notification params
	Result  json.RawMessage     `json:"result,omitempty"` // response result
	Error   *domain.ServerError `json:"error,omitempty"`  // response error
}

// IsResponse reports whether the message answers a request we sent.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsRequest reports whether the message is a server-initiated request
// expecting a response.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message is a fire-and-forget
// notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// NewRequest builds a request message with the given id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response for a server-initiated request.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for a server-initiated request.
func NewErrorResponse(id int64, code int, message string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &domain.ServerError{Code: code, Message: message},
	}
}

// marshalParams marshals params, preserving nil as absent.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
