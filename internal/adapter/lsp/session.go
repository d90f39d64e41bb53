package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polylsp/polylsp/internal/config"
	domain "github.com/polylsp/polylsp/internal/domain/lsp"
	"github.com/polylsp/polylsp/internal/logger"
)

// Session drives one language server process through its lifecycle:
// spawn, initialize handshake, capability assertion, steady state, and
// orderly shutdown. It owns the process, the framed connection, the
// dispatcher, and the handler registry; callers interact only through the
// session.
//
// The state only advances forward, except into Failed which is reachable
// from any non-terminal state. All pending requests fail when the session
// does; subsequent calls fail fast rather than hang.
type Session struct {
	id        string
	plugin    Plugin
	cfg       *config.LSP
	workspace string
	log       *slog.Logger

	mu         sync.Mutex
	state      domain.SessionState
	failErr    error
	caps       domain.ServerCapabilities
	serverInfo *domain.ServerInfo

	spawn spawnFunc
	proc  serverProcess
	conn  *Conn
	disp  *Dispatcher
	reg   *Registry

	readyCh  chan struct{}
	gates    map[string]chan struct{}
	gateOnce map[string]*sync.Once

	shutdownOnce sync.Once
	shutdownErr  error

	diagMu        sync.RWMutex
	diagnostics   map[string][]domain.Diagnostic
	onDiagnostics func(uri string, diags []domain.Diagnostic)
}

// serverProcess is what the session needs from a running language server:
// its stdio stream, exit observation, and termination. Satisfied by
// *Process; tests substitute in-memory fakes.
type serverProcess interface {
	Stdio() io.ReadWriteCloser
	Exit() <-chan error
	Terminate(grace time.Duration)
	PID() int
}

type spawnFunc func(command string, args []string, dir string, log *slog.Logger) (serverProcess, error)

func spawnProcess(command string, args []string, dir string, log *slog.Logger) (serverProcess, error) {
	return Spawn(command, args, dir, log)
}

// NewSession creates a session for the given plugin and workspace root.
// Nothing is spawned until Start.
func NewSession(plugin Plugin, workspace string, cfg *config.LSP, log *slog.Logger) *Session {
	id := uuid.New().String()
	s := &Session{
		id:          id,
		plugin:      plugin,
		cfg:         cfg,
		workspace:   workspace,
		log:         log.With("session_id", id, "language", plugin.Language()),
		spawn:       spawnProcess,
		state:       domain.StateNotStarted,
		readyCh:     make(chan struct{}),
		gates:       make(map[string]chan struct{}),
		gateOnce:    make(map[string]*sync.Once),
		diagnostics: make(map[string][]domain.Diagnostic),
	}
	for _, name := range plugin.Gates() {
		s.gates[name] = make(chan struct{})
		s.gateOnce[name] = &sync.Once{}
	}
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Language returns the plugin's language identifier.
func (s *Session) Language() string { return s.plugin.Language() }

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the server's negotiated capabilities. Valid once the
// session is Ready; immutable afterwards.
func (s *Session) Capabilities() domain.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ServerInfo returns the server's self-identification from the handshake.
func (s *Session) ServerInfo() *domain.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Ready returns a channel closed when the handshake completes and ordinary
// requests become legal.
func (s *Session) Ready() <-chan struct{} { return s.readyCh }

// Gate returns the named extra readiness signal declared by the plugin.
// The second result is false for an undeclared gate.
func (s *Session) Gate(name string) (<-chan struct{}, bool) {
	ch, ok := s.gates[name]
	return ch, ok
}

// ArmGate closes the named gate. Called by plugin handlers when a
// server-side registration makes a request kind safe. Arming twice or arming
// an undeclared gate is a no-op.
func (s *Session) ArmGate(name string) {
	once, ok := s.gateOnce[name]
	if !ok {
		return
	}
	once.Do(func() { close(s.gates[name]) })
}

// SetDiagnosticsFunc installs a callback invoked when the server publishes
// diagnostics. Must be called before Start.
func (s *Session) SetDiagnosticsFunc(fn func(uri string, diags []domain.Diagnostic)) {
	s.onDiagnostics = fn
}

// Diagnostics returns the cached diagnostics for a URI, or all diagnostics
// when uri is empty.
func (s *Session) Diagnostics(uri string) []domain.Diagnostic {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()

	if uri != "" {
		return s.diagnostics[uri]
	}
	var all []domain.Diagnostic
	for _, diags := range s.diagnostics {
		all = append(all, diags...)
	}
	return all
}

// Start spawns the server and performs the initialize handshake. On any
// failure the process is torn down and no partial session is usable: the
// state is Failed and the error is returned synchronously.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(domain.StateNotStarted, domain.StateLaunching); err != nil {
		return err
	}
	ctx = logger.WithSessionID(ctx, s.id)

	command, args, dir := s.plugin.Command(s.workspace)
	proc, err := s.spawn(command, args, dir, s.log)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.conn = NewConn(proc.Stdio())
	s.disp = NewDispatcher(s.conn, s.cfg.RequestTimeout, s.log)
	s.reg = NewRegistry(s.log)
	s.mu.Unlock()

	s.reg.Register(s.baselineHandlers()...)
	s.reg.Register(s.plugin.Handlers(s)...)

	go s.readLoop()
	go s.watchExit()

	if err := s.transition(domain.StateLaunching, domain.StateInitializing); err != nil {
		return err
	}

	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		return err
	}

	if err := s.transition(domain.StateInitializing, domain.StateReady); err != nil {
		return err
	}
	close(s.readyCh)
	s.log.Info("session ready", "pid", proc.PID(), "workspace", s.workspace)
	return nil
}

// handshake sends initialize, asserts capabilities, and confirms with the
// initialized notification.
func (s *Session) handshake(ctx context.Context) error {
	info := NewHandshakeInfo(os.Getpid(), s.workspace)
	params, err := s.plugin.InitializeParams(info)
	if err != nil {
		return fmt.Errorf("initialize params: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	raw, err := s.disp.Call(initCtx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result domain.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &domain.ProtocolError{Reason: "malformed initialize result", Err: err}
	}

	if err := s.plugin.CheckCapabilities(result.Capabilities); err != nil {
		return &domain.ProtocolError{Reason: "capability mismatch", Err: err}
	}

	s.mu.Lock()
	s.caps = result.Capabilities
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.disp.Notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// baselineHandlers are the server-initiated methods every session answers or
// acknowledges regardless of plugin.
func (s *Session) baselineHandlers() []HandlerEntry {
	return []HandlerEntry{
		{Method: "client/registerCapability", OnRequest: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, nil
		}},
		{Method: "workspace/executeClientCommand", OnRequest: func(_ context.Context, _ json.RawMessage) (any, error) {
			return []any{}, nil
		}},
		{Method: "workspace/configuration", OnRequest: func(_ context.Context, params json.RawMessage) (any, error) {
			// One empty settings object per requested item.
			var p struct {
				Items []json.RawMessage `json:"items"`
			}
			_ = json.Unmarshal(params, &p)
			settings := make([]any, len(p.Items))
			for i := range settings {
				settings[i] = map[string]any{}
			}
			return settings, nil
		}},
		{Method: "window/logMessage", OnNotification: func(params json.RawMessage) {
			var p struct {
				Type    int    `json:"type"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(params, &p)
			s.log.Debug("server log", "type", p.Type, "message", p.Message)
		}},
		{Method: "window/showMessage", OnNotification: func(params json.RawMessage) {
			var p struct {
				Type    int    `json:"type"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(params, &p)
			s.log.Info("server message", "type", p.Type, "message", p.Message)
		}},
		{Method: "$/progress", OnNotification: func(json.RawMessage) {}},
		{Method: "textDocument/publishDiagnostics", OnNotification: s.handlePublishDiagnostics},
	}
}

// handlePublishDiagnostics caches published diagnostics and invokes the
// optional callback.
func (s *Session) handlePublishDiagnostics(raw json.RawMessage) {
	var params struct {
		URI         string              `json:"uri"`
		Diagnostics []domain.Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.log.Warn("malformed diagnostics notification", "error", err)
		return
	}

	diags := params.Diagnostics
	if s.cfg.MaxDiagnostics > 0 && len(diags) > s.cfg.MaxDiagnostics {
		diags = diags[:s.cfg.MaxDiagnostics]
	}

	s.diagMu.Lock()
	if len(diags) == 0 {
		delete(s.diagnostics, params.URI)
	} else {
		s.diagnostics[params.URI] = diags
	}
	s.diagMu.Unlock()

	if s.onDiagnostics != nil {
		s.onDiagnostics(params.URI, diags)
	}
}

// Call issues a request once the session is Ready. Per-request failures
// (timeout, server error) leave the session usable.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	return s.disp.Call(logger.WithSessionID(ctx, s.id), method, params)
}

// Notify sends a notification once the session is Ready.
func (s *Session) Notify(method string, params any) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.disp.Notify(method, params)
}

func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.StateReady:
		return nil
	case domain.StateFailed:
		if s.failErr != nil {
			return s.failErr
		}
		return domain.ErrSessionTerminated
	case domain.StateShuttingDown, domain.StateTerminated:
		return domain.ErrSessionTerminated
	default:
		return domain.ErrNotReady
	}
}

// Shutdown drives the orderly stop sequence: shutdown request, exit
// notification, process termination. Idempotent; the second invocation does
// not re-send protocol messages. Safe to call from any state.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		if !prev.Terminal() {
			s.state = domain.StateShuttingDown
		}
		disp := s.disp
		proc := s.proc
		s.mu.Unlock()

		if proc == nil {
			// Never launched; nothing to stop.
			s.mu.Lock()
			s.state = domain.StateTerminated
			s.mu.Unlock()
			return
		}

		if prev == domain.StateReady || prev == domain.StateInitializing {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
			if _, err := disp.Call(shutdownCtx, "shutdown", nil); err != nil {
				s.log.Warn("shutdown request failed", "error", err)
				s.shutdownErr = err
			}
			cancel()
			if err := disp.Notify("exit", nil); err != nil {
				s.log.Warn("exit notification failed", "error", err)
			}
		}

		disp.FailAll(domain.ErrSessionTerminated)
		proc.Terminate(s.cfg.ShutdownGrace)

		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = domain.StateTerminated
		}
		s.mu.Unlock()
		s.log.Info("session terminated")
	})
	return s.shutdownErr
}

// fail moves the session to Failed, fails every pending request, and tears
// the process down. Reachable from any non-terminal state; a no-op once
// terminal.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFailed
	s.failErr = err
	disp := s.disp
	proc := s.proc
	s.mu.Unlock()

	s.log.Error("session failed", "error", err)

	if disp != nil {
		disp.FailAll(domain.ErrSessionTerminated)
	}
	if proc != nil {
		proc.Terminate(s.cfg.ShutdownGrace)
	}
}

// transition advances from exactly one state to the next; anything else is a
// lifecycle violation surfaced to the caller.
func (s *Session) transition(from, to domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		if s.state == domain.StateFailed && s.failErr != nil {
			return s.failErr
		}
		return fmt.Errorf("invalid transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// readLoop pulls framed messages off the connection and routes them.
// Responses resolve pending requests via the dispatcher; server-initiated
// requests and notifications are scheduled through the registry, never run
// inline, so a slow handler cannot delay other responses.
func (s *Session) readLoop() {
	ctx := logger.WithSessionID(context.Background(), s.id)
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			state := s.State()
			if state == domain.StateShuttingDown || state.Terminal() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.fail(fmt.Errorf("server closed the stream: %w", domain.ErrSessionTerminated))
			} else {
				s.fail(err)
			}
			return
		}

		switch {
		case msg.IsResponse():
			s.disp.Deliver(msg)
		case msg.IsRequest():
			s.reg.DispatchRequest(ctx, msg, s.disp.Respond)
		case msg.IsNotification():
			s.reg.DispatchNotification(msg)
		default:
			s.log.Debug("unclassifiable message dropped")
		}
	}
}

// watchExit reacts to the process dying outside the shutdown sequence.
func (s *Session) watchExit() {
	err := <-s.proc.Exit()

	state := s.State()
	if state == domain.StateShuttingDown || state.Terminal() {
		return
	}
	if err == nil {
		err = errors.New("server process exited")
	}
	s.fail(fmt.Errorf("unexpected server exit: %w", err))
}
