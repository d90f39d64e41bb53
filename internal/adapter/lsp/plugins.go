package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
	rootdomain "github.com/polylsp/polylsp/internal/domain"
)

var (
	_ Plugin = (*GoplsPlugin)(nil)
	_ Plugin = (*PyrightPlugin)(nil)
	_ Plugin = (*TypeScriptPlugin)(nil)
	_ Plugin = (*GenericPlugin)(nil)
)

// PluginFor resolves the plugin for a language, honoring command overrides
// from configuration. Unknown languages with a configured command get a
// generic plugin; unknown languages without one are an error.
func PluginFor(language string, servers map[string]domain.LanguageServerConfig, log *slog.Logger) (Plugin, error) {
	cfg, ok := servers[language]
	if !ok {
		cfg, ok = domain.DefaultServers[language]
	}
	if ok && len(cfg.Command) == 0 {
		return nil, fmt.Errorf("language %q has an empty server command", language)
	}

	switch language {
	case "go":
		return &GoplsPlugin{cfg: cfg, log: log}, nil
	case "python":
		return &PyrightPlugin{cfg: cfg, log: log}, nil
	case "typescript", "javascript":
		return &TypeScriptPlugin{language: language, cfg: cfg, log: log}, nil
	}
	if ok && len(cfg.Command) > 0 {
		return &GenericPlugin{language: language, cfg: cfg}, nil
	}
	return nil, fmt.Errorf("%w: %q", rootdomain.ErrUnknownLanguage, language)
}

func commandFor(cfg domain.LanguageServerConfig, workspace string) (string, []string, string) {
	return cfg.Command[0], cfg.Command[1:], workspace
}

// baseInitializeParams is the handshake request body shared by every
// built-in plugin. Plugins layer initializationOptions on top.
func baseInitializeParams(info HandshakeInfo, initOpts map[string]any) map[string]any {
	params := map[string]any{
		"processId": info.ProcessID,
		"rootPath":  info.RootPath,
		"rootUri":   info.RootURI,
		"workspaceFolders": []any{
			map[string]any{"uri": info.Folder.URI, "name": info.Folder.Name},
		},
		"capabilities": map[string]any{
			"workspace": map[string]any{
				"workspaceFolders": true,
				"configuration":    true,
				"didChangeWatchedFiles": map[string]any{
					"dynamicRegistration": true,
				},
			},
			"textDocument": map[string]any{
				"synchronization": map[string]any{
					"didSave": true,
				},
				"publishDiagnostics": map[string]any{
					"relatedInformation": true,
				},
				"hover": map[string]any{
					"contentFormat": []any{"markdown", "plaintext"},
				},
				"definition":     map[string]any{"linkSupport": false},
				"documentSymbol": map[string]any{"hierarchicalDocumentSymbolSupport": true},
			},
			"window": map[string]any{
				"workDoneProgress": true,
			},
		},
	}
	if len(initOpts) > 0 {
		params["initializationOptions"] = initOpts
	}
	return params
}

// GoplsPlugin drives gopls. gopls negotiates everything it needs during the
// handshake, so no extra gates are required.
type GoplsPlugin struct {
	cfg domain.LanguageServerConfig
	log *slog.Logger
}

func (p *GoplsPlugin) Language() string { return "go" }

func (p *GoplsPlugin) Command(workspace string) (string, []string, string) {
	return commandFor(p.cfg, workspace)
}

func (p *GoplsPlugin) InitializeParams(info HandshakeInfo) (any, error) {
	return baseInitializeParams(info, p.cfg.InitOpts), nil
}

func (p *GoplsPlugin) CheckCapabilities(caps domain.ServerCapabilities) error {
	if !domain.Supports(caps.DefinitionProvider) {
		return fmt.Errorf("gopls did not advertise definition support")
	}
	if !domain.Supports(caps.ReferencesProvider) {
		return fmt.Errorf("gopls did not advertise references support")
	}
	return nil
}

func (p *GoplsPlugin) Handlers(*Session) []HandlerEntry { return nil }

func (p *GoplsPlugin) Gates() []string { return nil }

// PyrightPlugin drives pyright-langserver over stdio.
type PyrightPlugin struct {
	cfg domain.LanguageServerConfig
	log *slog.Logger
}

func (p *PyrightPlugin) Language() string { return "python" }

func (p *PyrightPlugin) Command(workspace string) (string, []string, string) {
	return commandFor(p.cfg, workspace)
}

func (p *PyrightPlugin) InitializeParams(info HandshakeInfo) (any, error) {
	opts := map[string]any{}
	for k, v := range p.cfg.InitOpts {
		opts[k] = v
	}
	params := baseInitializeParams(info, opts)
	// Pyright reads workspace settings from initialize params directly.
	params["initializationOptions"] = map[string]any{
		"python": map[string]any{
			"analysis": map[string]any{
				"autoSearchPaths":        true,
				"useLibraryCodeForTypes": true,
			},
		},
	}
	return params, nil
}

func (p *PyrightPlugin) CheckCapabilities(caps domain.ServerCapabilities) error {
	if !domain.Supports(caps.HoverProvider) {
		return fmt.Errorf("pyright did not advertise hover support")
	}
	return nil
}

func (p *PyrightPlugin) Handlers(*Session) []HandlerEntry { return nil }

func (p *PyrightPlugin) Gates() []string { return nil }

// GateCompletions is armed when the server dynamically registers its
// completion provider. Completion requests sent before this point return
// empty results on some servers, so callers wait on the gate.
const GateCompletions = "completions"

// completionTriggers is the trigger character set tsserver is expected to
// register for completions. A different set means the server build has
// drifted from the protocol contract this client was written against.
var completionTriggers = []string{".", "\"", "'", "/", "@", "<"}

// TypeScriptPlugin drives typescript-language-server. The server registers
// part of its surface dynamically after the handshake, so readiness for
// completions is gated on the matching client/registerCapability call.
type TypeScriptPlugin struct {
	language string
	cfg      domain.LanguageServerConfig
	log      *slog.Logger
}

func (p *TypeScriptPlugin) Language() string { return p.language }

func (p *TypeScriptPlugin) Command(workspace string) (string, []string, string) {
	return commandFor(p.cfg, workspace)
}

func (p *TypeScriptPlugin) InitializeParams(info HandshakeInfo) (any, error) {
	return baseInitializeParams(info, p.cfg.InitOpts), nil
}

func (p *TypeScriptPlugin) CheckCapabilities(caps domain.ServerCapabilities) error {
	if kind := caps.SyncKind(); kind != 2 {
		return fmt.Errorf("unexpected textDocumentSync kind %d, want 2 (incremental)", kind)
	}
	comp := caps.CompletionProvider
	if comp == nil {
		return fmt.Errorf("server did not advertise a completion provider")
	}
	if !comp.ResolveProvider {
		return fmt.Errorf("completion provider does not support resolve")
	}
	if !slices.Equal(comp.TriggerCharacters, completionTriggers) {
		return fmt.Errorf("unexpected completion trigger characters %v", comp.TriggerCharacters)
	}
	return nil
}

func (p *TypeScriptPlugin) Handlers(s *Session) []HandlerEntry {
	return []HandlerEntry{
		{Method: "client/registerCapability", OnRequest: func(_ context.Context, raw json.RawMessage) (any, error) {
			var params struct {
				Registrations []struct {
					Method string `json:"method"`
				} `json:"registrations"`
			}
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, err
			}
			for _, reg := range params.Registrations {
				if reg.Method == "workspace/executeCommand" {
					s.ArmGate(GateCompletions)
				}
			}
			return nil, nil
		}},
	}
}

func (p *TypeScriptPlugin) Gates() []string { return []string{GateCompletions} }

// GenericPlugin runs any stdio language server named in configuration. It
// asserts nothing about capabilities; callers get whatever the server
// offers. A configured init_template replaces the built-in handshake body.
type GenericPlugin struct {
	language string
	cfg      domain.LanguageServerConfig
}

func (p *GenericPlugin) Language() string { return p.language }

func (p *GenericPlugin) Command(workspace string) (string, []string, string) {
	return commandFor(p.cfg, workspace)
}

func (p *GenericPlugin) InitializeParams(info HandshakeInfo) (any, error) {
	if p.cfg.InitTemplate != nil {
		return RenderInitializeTemplate(p.cfg.InitTemplate, info)
	}
	return baseInitializeParams(info, p.cfg.InitOpts), nil
}

func (p *GenericPlugin) CheckCapabilities(domain.ServerCapabilities) error { return nil }

func (p *GenericPlugin) Handlers(*Session) []HandlerEntry { return nil }

func (p *GenericPlugin) Gates() []string { return nil }
