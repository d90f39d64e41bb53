// Package lsp defines domain types for the Language Server Protocol session
// engine. These types represent LSP concepts (positions, locations,
// diagnostics, capabilities) in a transport-independent way for use across
// the service, adapter, and CLI layers.
package lsp

import "encoding/json"

// Position in a text document (0-based line and character).
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location links a URI to a range.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// WorkspaceFolder identifies a root directory the server analyzes.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// DiagnosticSeverity mirrors LSP DiagnosticSeverity.
const (
	SeverityError   = 1
	SeverityWarning = 2
	SeverityInfo    = 3
	SeverityHint    = 4
)

// Diagnostic represents a compiler/linter diagnostic published by the server.
type Diagnostic struct {
	Range    Range  `json:"range"`
	Severity int    `json:"severity"` // 1=Error, 2=Warning, 3=Info, 4=Hint
	Source   string `json:"source"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

// DocumentSymbol represents a symbol in a document (function, class, etc.).
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Kind           int              `json:"kind"` // LSP SymbolKind enum
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// CompletionItem is a single completion suggestion.
type CompletionItem struct {
	Label         string `json:"label"`
	Kind          int    `json:"kind,omitempty"` // LSP CompletionItemKind enum
	Detail        string `json:"detail,omitempty"`
	InsertText    string `json:"insertText,omitempty"`
	SortText      string `json:"sortText,omitempty"`
	FilterText    string `json:"filterText,omitempty"`
	Documentation any    `json:"documentation,omitempty"`
}

// CompletionList holds completion results.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// HoverResult contains hover information for a position.
type HoverResult struct {
	Contents string `json:"contents"` // Markdown
	Range    *Range `json:"range,omitempty"`
}

// CompletionOptions describes the server's completion provider.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
}

// ServerCapabilities is the feature set the server declares during the
// initialize handshake. Immutable once the handshake completes.
//
// TextDocumentSync is kept raw because servers send either a bare sync-kind
// number or an options object; plugins assert against whichever shape they
// expect.
type ServerCapabilities struct {
	TextDocumentSync       json.RawMessage    `json:"textDocumentSync,omitempty"`
	CompletionProvider     *CompletionOptions `json:"completionProvider,omitempty"`
	HoverProvider          json.RawMessage    `json:"hoverProvider,omitempty"`
	DefinitionProvider     json.RawMessage    `json:"definitionProvider,omitempty"`
	ReferencesProvider     json.RawMessage    `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider json.RawMessage    `json:"documentSymbolProvider,omitempty"`
	ExecuteCommandProvider json.RawMessage    `json:"executeCommandProvider,omitempty"`
}

// SyncKind returns the text-document-sync kind if the server declared a bare
// number, or -1 if it declared an options object (or nothing).
func (c ServerCapabilities) SyncKind() int {
	var kind int
	if err := json.Unmarshal(c.TextDocumentSync, &kind); err != nil {
		return -1
	}
	return kind
}

// Supports reports whether a boolean provider capability is present and true,
// or present as an options object.
func Supports(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	// An object-valued provider counts as supported.
	return raw[0] == '{'
}

// InitializeResult is the server's response to the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// SessionState is the lifecycle state of one language server session.
// States only advance forward, except Failed which is reachable from any
// non-terminal state.
type SessionState string

const (
	StateNotStarted   SessionState = "not_started"
	StateLaunching    SessionState = "launching"
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateShuttingDown SessionState = "shutting_down"
	StateTerminated   SessionState = "terminated"
	StateFailed       SessionState = "failed"
)

// Terminal reports whether the session can never serve another request.
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}
