package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// RequestHandler answers a server-initiated request. Its return value is
// marshaled into the response body sent back with the matching id.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes a server notification. Return values are
// discarded.
type NotificationHandler func(params json.RawMessage)

// HandlerEntry binds a method name to a handler. Exactly one of OnRequest
// and OnNotification is set.
type HandlerEntry struct {
	Method         string
	OnRequest      RequestHandler
	OnNotification NotificationHandler
}

// Registry maps server-initiated method names to handlers.
//
// Handlers run on their own goroutines so a slow handler never stalls
// delivery of responses to other in-flight requests. Registration after
// startup is allowed: some servers register capabilities dynamically and
// plugins react by installing further handlers.
type Registry struct {
	log *slog.Logger

	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:           log,
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Register installs entries, overriding any previous handler for the same
// method.
func (r *Registry) Register(entries ...HandlerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		switch {
		case e.OnRequest != nil:
			r.requests[e.Method] = e.OnRequest
		case e.OnNotification != nil:
			r.notifications[e.Method] = e.OnNotification
		}
	}
}

// DispatchRequest schedules the handler for a server-initiated request and
// sends its result back through respond. Unregistered methods get a default
// null-result success response so the server never stalls waiting for an
// answer.
func (r *Registry) DispatchRequest(ctx context.Context, msg *Message, respond func(*Message) error) {
	r.mu.RLock()
	handler := r.requests[msg.Method]
	r.mu.RUnlock()

	id := *msg.ID

	go func() {
		var resp *Message
		if handler == nil {
			r.log.Debug("no handler for server request, acknowledging", "method", msg.Method)
			resp, _ = NewResponse(id, nil)
		} else {
			result, err := handler(ctx, msg.Params)
			if err != nil {
				resp = NewErrorResponse(id, domain.CodeInternalError, err.Error())
			} else {
				var buildErr error
				resp, buildErr = NewResponse(id, result)
				if buildErr != nil {
					resp = NewErrorResponse(id, domain.CodeInternalError, buildErr.Error())
				}
			}
		}
		if err := respond(resp); err != nil {
			r.log.Warn("failed to answer server request", "method", msg.Method, "id", id, "error", err)
		}
	}()
}

// DispatchNotification schedules the handler for a server notification.
// Unregistered notifications are dropped.
func (r *Registry) DispatchNotification(msg *Message) {
	r.mu.RLock()
	handler := r.notifications[msg.Method]
	r.mu.RUnlock()

	if handler == nil {
		r.log.Debug("notification ignored", "method", msg.Method)
		return
	}
	go handler(msg.Params)
}
