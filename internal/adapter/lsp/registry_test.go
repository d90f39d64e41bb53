package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

func requestMessage(t *testing.T, id int64, method string, params any) *Message {
	t.Helper()
	msg, err := NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return msg
}

func TestUnregisteredRequestGetsNullResult(t *testing.T) {
	r := NewRegistry(testLogger())
	responses := make(chan *Message, 1)

	r.DispatchRequest(context.Background(), requestMessage(t, 3, "window/workDoneProgress/create", nil), func(m *Message) error {
		responses <- m
		return nil
	})

	resp := <-responses
	if resp.ID == nil || *resp.ID != 3 {
		t.Errorf("id = %v, want 3", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error response: %v", resp.Error)
	}
	if string(resp.Result) != "null" {
		t.Errorf("result = %s, want null", resp.Result)
	}
}

func TestRequestHandlerResultAndError(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(
		HandlerEntry{Method: "test/ok", OnRequest: func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"answer": 42}, nil
		}},
		HandlerEntry{Method: "test/boom", OnRequest: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("handler exploded")
		}},
	)

	responses := make(chan *Message, 1)
	respond := func(m *Message) error {
		responses <- m
		return nil
	}

	r.DispatchRequest(context.Background(), requestMessage(t, 1, "test/ok", nil), respond)
	resp := <-responses
	var body struct {
		Answer int `json:"answer"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil || body.Answer != 42 {
		t.Errorf("result = %s (%v), want answer 42", resp.Result, err)
	}

	r.DispatchRequest(context.Background(), requestMessage(t, 2, "test/boom", nil), respond)
	resp = <-responses
	if resp.Error == nil {
		t.Fatal("want error response")
	}
	if resp.Error.Code != domain.CodeInternalError {
		t.Errorf("code = %d, want %d", resp.Error.Code, domain.CodeInternalError)
	}
}

func TestSlowHandlerDoesNotBlockDispatch(t *testing.T) {
	r := NewRegistry(testLogger())
	release := make(chan struct{})
	r.Register(
		HandlerEntry{Method: "test/slow", OnRequest: func(context.Context, json.RawMessage) (any, error) {
			<-release
			return "slow", nil
		}},
		HandlerEntry{Method: "test/fast", OnRequest: func(context.Context, json.RawMessage) (any, error) {
			return "fast", nil
		}},
	)

	responses := make(chan *Message, 2)
	respond := func(m *Message) error {
		responses <- m
		return nil
	}

	r.DispatchRequest(context.Background(), requestMessage(t, 1, "test/slow", nil), respond)
	r.DispatchRequest(context.Background(), requestMessage(t, 2, "test/fast", nil), respond)

	select {
	case resp := <-responses:
		if resp.ID == nil || *resp.ID != 2 {
			t.Errorf("first response id = %v, want the fast request (2)", resp.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast response stuck behind slow handler")
	}

	close(release)
	resp := <-responses
	if resp.ID == nil || *resp.ID != 1 {
		t.Errorf("second response id = %v, want 1", resp.ID)
	}
}

func TestNotificationDispatch(t *testing.T) {
	r := NewRegistry(testLogger())
	got := make(chan json.RawMessage, 1)
	r.Register(HandlerEntry{Method: "window/logMessage", OnNotification: func(p json.RawMessage) {
		got <- p
	}})

	msg, err := NewNotification("window/logMessage", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	r.DispatchNotification(msg)

	select {
	case p := <-got:
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(p, &body); err != nil || body.Message != "hello" {
			t.Errorf("params = %s (%v)", p, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never ran")
	}

	// Unregistered notifications are dropped without fuss.
	unknown, _ := NewNotification("telemetry/event", nil)
	r.DispatchNotification(unknown)
}

func TestLateRegistrationOverrides(t *testing.T) {
	r := NewRegistry(testLogger())
	calls := make(chan string, 2)
	r.Register(HandlerEntry{Method: "test/x", OnRequest: func(context.Context, json.RawMessage) (any, error) {
		calls <- "first"
		return nil, nil
	}})
	r.Register(HandlerEntry{Method: "test/x", OnRequest: func(context.Context, json.RawMessage) (any, error) {
		calls <- "second"
		return nil, nil
	}})

	r.DispatchRequest(context.Background(), requestMessage(t, 1, "test/x", nil), func(*Message) error { return nil })
	if who := <-calls; who != "second" {
		t.Errorf("handler = %q, want the later registration", who)
	}
}
