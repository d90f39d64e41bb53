package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	adapter "github.com/polylsp/polylsp/internal/adapter/lsp"
	"github.com/polylsp/polylsp/internal/config"
	"github.com/polylsp/polylsp/internal/domain"
	lsp "github.com/polylsp/polylsp/internal/domain/lsp"
	"github.com/polylsp/polylsp/internal/port/cache"
	"github.com/polylsp/polylsp/internal/resilience"
)

// LanguageSession is the session surface the service layer depends on.
// Satisfied by *adapter.Session.
type LanguageSession interface {
	ID() string
	State() lsp.SessionState
	Capabilities() lsp.ServerCapabilities
	ServerInfo() *lsp.ServerInfo
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Definition(ctx context.Context, path string, pos lsp.Position) ([]lsp.Location, error)
	References(ctx context.Context, path string, pos lsp.Position) ([]lsp.Location, error)
	Hover(ctx context.Context, path string, pos lsp.Position) (*lsp.HoverResult, error)
	Completion(ctx context.Context, path string, pos lsp.Position) (*lsp.CompletionList, error)
	DocumentSymbols(ctx context.Context, path string) ([]lsp.DocumentSymbol, error)
	Diagnostics(uri string) []lsp.Diagnostic
	DidOpen(path string) error
	DidClose(path string) error
}

// IntelService owns language server sessions and exposes code intelligence
// queries over them. Sessions are keyed by workspace and language: repeated
// queries against the same pair reuse one running server. Launches are
// bounded by a semaphore and guarded per language by a circuit breaker so a
// broken server install cannot trigger a spawn storm.
type IntelService struct {
	cfg   *config.Config
	cache cache.Cache
	log   *slog.Logger

	newSession func(language, workspace string) (LanguageSession, error)
	startSem   *semaphore.Weighted
	group      singleflight.Group

	mu       sync.Mutex
	sessions map[string]LanguageSession
	breakers map[string]*resilience.Breaker
	closed   bool
}

// NewIntelService creates the service. Query results are cached in c with
// the configured TTL.
func NewIntelService(cfg *config.Config, c cache.Cache, log *slog.Logger) *IntelService {
	s := &IntelService{
		cfg:      cfg,
		cache:    c,
		log:      log,
		startSem: semaphore.NewWeighted(int64(cfg.LSP.MaxConcurrentStarts)),
		sessions: make(map[string]LanguageSession),
		breakers: make(map[string]*resilience.Breaker),
	}
	s.newSession = func(language, workspace string) (LanguageSession, error) {
		plugin, err := adapter.PluginFor(language, cfg.LSP.Servers, log)
		if err != nil {
			return nil, err
		}
		return adapter.NewSession(plugin, workspace, &cfg.LSP, log), nil
	}
	return s
}

// SessionFor returns the running session for a workspace and language,
// starting one if needed. Concurrent callers for the same pair share a
// single launch.
func (s *IntelService) SessionFor(ctx context.Context, language, workspace string) (LanguageSession, error) {
	workspace, err := normalizeWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	key := language + "\x00" + workspace

	if sess, ok := s.lookup(key); ok {
		return sess, nil
	}

	v, err, _ := s.group.Do("start\x00"+key, func() (any, error) {
		if sess, ok := s.lookup(key); ok {
			return sess, nil
		}
		return s.startSession(ctx, key, language, workspace)
	})
	if err != nil {
		return nil, err
	}
	return v.(LanguageSession), nil
}

// lookup returns the live session for key, evicting terminal ones.
func (s *IntelService) lookup(key string) (LanguageSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	if sess.State().Terminal() {
		delete(s.sessions, key)
		return nil, false
	}
	return sess, true
}

func (s *IntelService) startSession(ctx context.Context, key, language, workspace string) (LanguageSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, lsp.ErrSessionTerminated
	}
	s.mu.Unlock()

	if err := s.startSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for launch slot: %w", err)
	}
	defer s.startSem.Release(1)

	var sess LanguageSession
	err := s.breakerFor(language).Execute(func() error {
		var err error
		sess, err = s.newSession(language, workspace)
		if err != nil {
			return err
		}
		return sess.Start(ctx)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%s server launches suspended after repeated failures: %w", language, err)
		}
		return nil, err
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.log.Info("session started", "session_id", sess.ID(), "language", language, "workspace", workspace)
	return sess, nil
}

func (s *IntelService) breakerFor(language string) *resilience.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[language]
	if !ok {
		b = resilience.NewBreaker(s.cfg.Breaker.MaxFailures, s.cfg.Breaker.Timeout)
		s.breakers[language] = b
	}
	return b
}

// Definition resolves definition sites. Results are cached per session and
// position.
func (s *IntelService) Definition(ctx context.Context, language, workspace, path string, pos lsp.Position) ([]lsp.Location, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	var locs []lsp.Location
	err = s.cachedQuery(ctx, queryKey(sess.ID(), "definition", path, pos), &locs, func() (any, error) {
		return sess.Definition(ctx, path, pos)
	})
	return locs, err
}

// References finds references to the symbol at a position.
func (s *IntelService) References(ctx context.Context, language, workspace, path string, pos lsp.Position) ([]lsp.Location, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	var locs []lsp.Location
	err = s.cachedQuery(ctx, queryKey(sess.ID(), "references", path, pos), &locs, func() (any, error) {
		return sess.References(ctx, path, pos)
	})
	return locs, err
}

// Hover fetches hover documentation for a position.
func (s *IntelService) Hover(ctx context.Context, language, workspace, path string, pos lsp.Position) (*lsp.HoverResult, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	var hover *lsp.HoverResult
	err = s.cachedQuery(ctx, queryKey(sess.ID(), "hover", path, pos), &hover, func() (any, error) {
		return sess.Hover(ctx, path, pos)
	})
	return hover, err
}

// Completion requests completion suggestions. Completions are not cached:
// they depend on buffer state that changes with every keystroke.
func (s *IntelService) Completion(ctx context.Context, language, workspace, path string, pos lsp.Position) (*lsp.CompletionList, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	return sess.Completion(ctx, path, pos)
}

// DocumentSymbols lists the symbols declared in a document.
func (s *IntelService) DocumentSymbols(ctx context.Context, language, workspace, path string) ([]lsp.DocumentSymbol, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	var symbols []lsp.DocumentSymbol
	err = s.cachedQuery(ctx, queryKey(sess.ID(), "symbols", path, lsp.Position{}), &symbols, func() (any, error) {
		return sess.DocumentSymbols(ctx, path)
	})
	return symbols, err
}

// Diagnostics returns published diagnostics for a URI (all URIs when empty)
// from the session's cache. No request is sent: servers push diagnostics.
func (s *IntelService) Diagnostics(ctx context.Context, language, workspace, uri string) ([]lsp.Diagnostic, error) {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return nil, err
	}
	return sess.Diagnostics(uri), nil
}

// OpenDocument tells the server a document is in use, which typically
// triggers indexing and diagnostics for it.
func (s *IntelService) OpenDocument(ctx context.Context, language, workspace, path string) error {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return err
	}
	return sess.DidOpen(path)
}

// CloseDocument tells the server a document is no longer in use.
func (s *IntelService) CloseDocument(ctx context.Context, language, workspace, path string) error {
	sess, err := s.SessionFor(ctx, language, workspace)
	if err != nil {
		return err
	}
	return sess.DidClose(path)
}

// CloseSession shuts down the session for one workspace and language pair.
func (s *IntelService) CloseSession(ctx context.Context, language, workspace string) error {
	workspace, err := normalizeWorkspace(workspace)
	if err != nil {
		return err
	}
	key := language + "\x00" + workspace

	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.Shutdown(ctx)
}

// Close shuts down every session. Idempotent; the service rejects new
// sessions afterwards.
func (s *IntelService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]LanguageSession, 0, len(s.sessions))
	for key, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cachedQuery serves a query from the cache when possible, deduplicating
// concurrent identical misses with singleflight. Cache failures degrade to
// calling through.
func (s *IntelService) cachedQuery(ctx context.Context, key string, out any, fetch func() (any, error)) error {
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal(data, out); err == nil {
			return nil
		}
		// Corrupt entry, drop it and fall through.
		_ = s.cache.Delete(ctx, key)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		result, err := fetch()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode cached result: %w", err)
		}
		if err := s.cache.Set(ctx, key, data, s.cfg.Cache.TTL); err != nil {
			s.log.Warn("cache write failed", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), out)
}

func queryKey(sessionID, method, path string, pos lsp.Position) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d:%d", sessionID, method, path, pos.Line, pos.Character)
}

func normalizeWorkspace(workspace string) (string, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrWorkspaceNotFound, workspace)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", domain.ErrWorkspaceNotFound, abs)
	}
	return abs, nil
}
