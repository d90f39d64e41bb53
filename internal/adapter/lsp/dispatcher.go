package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// Dispatcher assigns request ids, tracks in-flight requests, and resolves
// them when responses arrive. Ids are per-session, monotonically increasing,
// and never reused. Responses may arrive in any order; routing is by id only.
type Dispatcher struct {
	conn           *Conn
	log            *slog.Logger
	defaultTimeout time.Duration

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *Message
	closed   bool
	closeErr error
}

// NewDispatcher creates a dispatcher writing through conn. defaultTimeout is
// applied to a request when the caller's context carries no deadline.
func NewDispatcher(conn *Conn, defaultTimeout time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		conn:           conn,
		log:            log,
		defaultTimeout: defaultTimeout,
		pending:        make(map[int64]chan *Message),
	}
}

// Call sends a request and blocks until its response arrives, the deadline
// elapses, or the session terminates. A deadline miss yields
// domain.ErrTimeout; a server error object yields *domain.ServerError.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if d.defaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.defaultTimeout)
			defer cancel()
		}
	}

	id := d.nextID.Add(1)
	ch := make(chan *Message, 1)

	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	d.pending[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := d.conn.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, domain.ErrTimeout)
		}
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			d.mu.Lock()
			err := d.closeErr
			d.mu.Unlock()
			if err == nil {
				err = domain.ErrSessionTerminated
			}
			return nil, err
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// Notify sends a fire-and-forget notification.
func (d *Dispatcher) Notify(method string, params any) error {
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := d.conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// Respond sends a response to a server-initiated request through the
// serialized write path.
func (d *Dispatcher) Respond(msg *Message) error {
	return d.conn.WriteMessage(msg)
}

// Deliver routes a response from the read loop to its waiting caller.
// A response for an unknown id (already timed out, cancelled, or never
// issued) is logged and discarded.
func (d *Dispatcher) Deliver(msg *Message) {
	if msg.ID == nil {
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[*msg.ID]
	if ok {
		// Remove while holding the lock so the id is resolved exactly once.
		delete(d.pending, *msg.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Debug("discarding late response", "id", *msg.ID)
		return
	}
	ch <- msg // buffered, never blocks
}

// FailAll terminates every in-flight request with err and rejects all future
// sends. Safe to call more than once; only the first error sticks.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		d.closeErr = err
	}
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

// PendingCount returns the number of in-flight requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
