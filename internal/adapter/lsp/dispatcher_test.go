package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pump feeds responses arriving on conn into the dispatcher, standing in for
// the session read loop.
func pump(d *Dispatcher, conn *Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.Deliver(msg)
	}
}

func TestCallOutOfOrderResponses(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, time.Second, testLogger())
	go pump(d, client)

	type result struct {
		raw json.RawMessage
		err error
	}
	results := make([]chan result, 2)
	ids := make(chan int64, 2)

	// The fake server reads both requests, then answers in reverse order,
	// echoing each request's id into its result body.
	go func() {
		var pending []*Message
		for n := 0; n < 2; n++ {
			msg, err := server.ReadMessage()
			if err != nil {
				return
			}
			pending = append(pending, msg)
			ids <- *msg.ID
		}
		for i := len(pending) - 1; i >= 0; i-- {
			resp, _ := NewResponse(*pending[i].ID, map[string]any{"echo": *pending[i].ID})
			server.WriteMessage(resp)
		}
	}()

	for i := range results {
		results[i] = make(chan result, 1)
		go func(ch chan result) {
			raw, err := d.Call(context.Background(), "test/echo", nil)
			ch <- result{raw, err}
		}(results[i])
	}

	want := map[int64]bool{<-ids: true, <-ids: true}
	seen := make(map[int64]bool)
	for _, ch := range results {
		res := <-ch
		if res.err != nil {
			t.Fatalf("Call: %v", res.err)
		}
		var body struct {
			Echo int64 `json:"echo"`
		}
		if err := json.Unmarshal(res.raw, &body); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if !want[body.Echo] {
			t.Errorf("unexpected echoed id %d", body.Echo)
		}
		seen[body.Echo] = true
	}
	if len(seen) != 2 {
		t.Errorf("callers shared a response: %v", seen)
	}
}

func TestCallTimeout(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, 0, testLogger())

	// Swallow the request; never answer it.
	go server.ReadMessage()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Call(ctx, "test/slow", nil)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}

	// A response arriving after the deadline must be dropped, not delivered.
	id := int64(1)
	resp, _ := NewResponse(id, "late")
	d.Deliver(resp)
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending after late response = %d, want 0", n)
	}
}

func TestCallDefaultTimeout(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, 20*time.Millisecond, testLogger())
	go server.ReadMessage()

	_, err := d.Call(context.Background(), "test/slow", nil)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestCallCancelRacesResponse(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, time.Minute, testLogger())
	go pump(d, client)

	// The fake server answers every request as soon as it arrives, so each
	// cancellation below races a response already in flight.
	go func() {
		for {
			msg, err := server.ReadMessage()
			if err != nil {
				return
			}
			resp, _ := NewResponse(*msg.ID, "ok")
			server.WriteMessage(resp)
		}
	}()

	for n := 0; n < 200; n++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		raw, err := d.Call(ctx, "test/echo", nil)
		switch {
		case err == nil:
			if string(raw) != `"ok"` {
				t.Fatalf("result = %s", raw)
			}
		case errors.Is(err, context.Canceled):
			// The response, if it arrived, is discarded by Deliver.
		default:
			t.Fatalf("Call: %v", err)
		}
		cancel()
	}

	// Every id is removed exactly once, whichever side won.
	if n := d.PendingCount(); n != 0 {
		t.Errorf("pending after races = %d, want 0", n)
	}
}

func TestCallServerError(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, time.Second, testLogger())
	go pump(d, client)

	go func() {
		msg, err := server.ReadMessage()
		if err != nil {
			return
		}
		server.WriteMessage(NewErrorResponse(*msg.ID, domain.CodeMethodNotFound, "method not found"))
	}()

	_, err := d.Call(context.Background(), "test/missing", nil)
	var serr *domain.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *ServerError", err)
	}
	if serr.Code != domain.CodeMethodNotFound {
		t.Errorf("code = %d, want %d", serr.Code, domain.CodeMethodNotFound)
	}
}

func TestFailAllRejectsPendingAndFuture(t *testing.T) {
	client, server := newConnPair()
	defer client.Close()
	defer server.Close()

	d := NewDispatcher(client, time.Minute, testLogger())

	started := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		// Consume the request so Call reaches its wait.
		server.ReadMessage()
	}()
	go func() {
		close(started)
		_, err := d.Call(context.Background(), "test/hang", nil)
		errs <- err
	}()

	<-started
	waitFor(t, func() bool { return d.PendingCount() == 1 })

	d.FailAll(domain.ErrSessionTerminated)

	if err := <-errs; !errors.Is(err, domain.ErrSessionTerminated) {
		t.Errorf("pending call error = %v, want ErrSessionTerminated", err)
	}
	if _, err := d.Call(context.Background(), "test/after", nil); !errors.Is(err, domain.ErrSessionTerminated) {
		t.Errorf("post-failure call error = %v, want ErrSessionTerminated", err)
	}
	if err := d.Notify("test/after", nil); !errors.Is(err, domain.ErrSessionTerminated) {
		t.Errorf("post-failure notify error = %v, want ErrSessionTerminated", err)
	}
}

func TestFailAllFirstErrorSticks(t *testing.T) {
	client, _ := newConnPair()
	defer client.Close()

	d := NewDispatcher(client, time.Second, testLogger())
	first := errors.New("server crashed")
	d.FailAll(first)
	d.FailAll(domain.ErrSessionTerminated)

	if _, err := d.Call(context.Background(), "test/x", nil); !errors.Is(err, first) {
		t.Errorf("error = %v, want the first failure", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
