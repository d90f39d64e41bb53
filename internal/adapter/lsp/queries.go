package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// DidOpen notifies the server that a document is open, reading its content
// from disk. Most servers only index and publish diagnostics for open
// documents.
func (s *Session) DidOpen(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return s.Notify("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri":        domain.FilePathToURI(path),
			"languageId": languageIDForPath(path, s.plugin.Language()),
			"version":    1,
			"text":       string(content),
		},
	})
}

// DidClose notifies the server that a document is no longer open.
func (s *Session) DidClose(path string) error {
	return s.Notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": domain.FilePathToURI(path)},
	})
}

// Definition resolves the definition sites of the symbol at a position.
func (s *Session) Definition(ctx context.Context, path string, pos domain.Position) ([]domain.Location, error) {
	raw, err := s.Call(ctx, "textDocument/definition", positionParams(path, pos))
	if err != nil {
		return nil, err
	}
	return parseLocations(raw)
}

// References finds all references to the symbol at a position, including
// its declaration.
func (s *Session) References(ctx context.Context, path string, pos domain.Position) ([]domain.Location, error) {
	params := positionParams(path, pos)
	params["context"] = map[string]any{"includeDeclaration": true}
	raw, err := s.Call(ctx, "textDocument/references", params)
	if err != nil {
		return nil, err
	}
	return parseLocations(raw)
}

// Hover fetches hover documentation for a position. A null result becomes a
// nil HoverResult, not an error.
func (s *Session) Hover(ctx context.Context, path string, pos domain.Position) (*domain.HoverResult, error) {
	raw, err := s.Call(ctx, "textDocument/hover", positionParams(path, pos))
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, nil
	}

	var hover struct {
		Contents json.RawMessage `json:"contents"`
		Range    *domain.Range   `json:"range"`
	}
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, &domain.ProtocolError{Reason: "malformed hover result", Err: err}
	}
	return &domain.HoverResult{
		Contents: extractHoverContents(hover.Contents),
		Range:    hover.Range,
	}, nil
}

// Completion requests completion suggestions at a position. When the plugin
// declared a completions gate, the call waits for it to arm first.
func (s *Session) Completion(ctx context.Context, path string, pos domain.Position) (*domain.CompletionList, error) {
	if gate, ok := s.Gate(GateCompletions); ok {
		waitCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		select {
		case <-gate:
		case <-waitCtx.Done():
			return nil, fmt.Errorf("completions: %w", domain.ErrNotReady)
		}
	}

	raw, err := s.Call(ctx, "textDocument/completion", positionParams(path, pos))
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return &domain.CompletionList{}, nil
	}

	// The result is either a CompletionList or a bare item array.
	var list domain.CompletionList
	if err := json.Unmarshal(raw, &list); err == nil && (list.Items != nil || list.IsIncomplete) {
		return &list, nil
	}
	var items []domain.CompletionItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &domain.ProtocolError{Reason: "malformed completion result", Err: err}
	}
	return &domain.CompletionList{Items: items}, nil
}

// DocumentSymbols lists the symbols declared in a document.
func (s *Session) DocumentSymbols(ctx context.Context, path string) ([]domain.DocumentSymbol, error) {
	raw, err := s.Call(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": map[string]any{"uri": domain.FilePathToURI(path)},
	})
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, nil
	}

	var symbols []domain.DocumentSymbol
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, &domain.ProtocolError{Reason: "malformed document symbols", Err: err}
	}
	return symbols, nil
}

func positionParams(path string, pos domain.Position) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{"uri": domain.FilePathToURI(path)},
		"position":     map[string]any{"line": pos.Line, "character": pos.Character},
	}
}

func isNullResult(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseLocations normalizes the three shapes servers return for location
// queries: a single Location, a Location array, or a LocationLink array.
func parseLocations(raw json.RawMessage) ([]domain.Location, error) {
	if isNullResult(raw) {
		return nil, nil
	}

	var single domain.Location
	if err := json.Unmarshal(raw, &single); err == nil && single.URI != "" {
		return []domain.Location{single}, nil
	}

	var locs []domain.Location
	if err := json.Unmarshal(raw, &locs); err == nil && (len(locs) == 0 || locs[0].URI != "") {
		return locs, nil
	}

	var links []struct {
		TargetURI   string       `json:"targetUri"`
		TargetRange domain.Range `json:"targetRange"`
	}
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil, &domain.ProtocolError{Reason: "malformed location result", Err: err}
	}
	out := make([]domain.Location, 0, len(links))
	for _, link := range links {
		out = append(out, domain.Location{URI: link.TargetURI, Range: link.TargetRange})
	}
	return out, nil
}

// extractHoverContents flattens the hover content union (MarkupContent,
// MarkedString, or arrays of either) into one markdown string.
func extractHoverContents(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		sections := make([]string, 0, len(parts))
		for _, part := range parts {
			if section := extractHoverContents(part); section != "" {
				sections = append(sections, section)
			}
		}
		return strings.Join(sections, "\n\n")
	}
	return ""
}

func languageIDForPath(path, fallback string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	}
	return fallback
}
