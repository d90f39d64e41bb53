package lsp

import (
	"fmt"
	"path/filepath"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// HandshakeInfo carries the values substituted into a plugin's initialize
// parameter template at handshake time.
type HandshakeInfo struct {
	ProcessID int
	RootPath  string
	RootURI   string
	Folder    domain.WorkspaceFolder
}

// Plugin supplies the per-language pieces of a session: launch command,
// initialize parameter template, expected-capability assertions, extra
// handlers, and optional extra readiness gates. Concrete plugins differ only
// in these values; the session drives every plugin identically.
type Plugin interface {
	// Language returns the language identifier this plugin serves.
	Language() string

	// Command returns the executable, arguments, and working directory used
	// to launch the server for the given workspace root.
	Command(workspace string) (cmd string, args []string, dir string)

	// InitializeParams renders the plugin's initialize parameter template
	// with the handshake values substituted.
	InitializeParams(info HandshakeInfo) (any, error)

	// CheckCapabilities asserts the plugin's expected capability subset
	// against what the server declared. A mismatch is fatal to the session.
	CheckCapabilities(caps domain.ServerCapabilities) error

	// Handlers returns extra or overriding handler entries. They are
	// registered after the session baseline, so a plugin can replace any
	// baseline behavior.
	Handlers(s *Session) []HandlerEntry

	// Gates names extra readiness signals the plugin arms from its handlers.
	// Callers may wait on a gate before issuing request kinds that need it.
	Gates() []string
}

// NewHandshakeInfo builds the substitution values for a workspace root.
func NewHandshakeInfo(processID int, workspace string) HandshakeInfo {
	uri := domain.FilePathToURI(workspace)
	return HandshakeInfo{
		ProcessID: processID,
		RootPath:  workspace,
		RootURI:   uri,
		Folder: domain.WorkspaceFolder{
			URI:  uri,
			Name: filepath.Base(workspace),
		},
	}
}

// Template placeholders recognized by RenderInitializeTemplate.
const (
	placeholderRootPath = "$rootPath"
	placeholderRootURI  = "$rootUri"
	placeholderURI      = "$uri"
	placeholderName     = "$name"
)

// RenderInitializeTemplate deep-copies a static initialize parameter template
// and substitutes the handshake fields. The template must carry the
// placeholders in the standard positions; a template missing one is a
// programming error surfaced as an error rather than a silent bad handshake.
func RenderInitializeTemplate(template map[string]any, info HandshakeInfo) (map[string]any, error) {
	params := deepCopyMap(template)

	params["processId"] = info.ProcessID

	if params["rootPath"] != placeholderRootPath {
		return nil, fmt.Errorf("initialize template: rootPath placeholder missing")
	}
	params["rootPath"] = info.RootPath

	if params["rootUri"] != placeholderRootURI {
		return nil, fmt.Errorf("initialize template: rootUri placeholder missing")
	}
	params["rootUri"] = info.RootURI

	folders, ok := params["workspaceFolders"].([]any)
	if !ok || len(folders) == 0 {
		return nil, fmt.Errorf("initialize template: workspaceFolders missing")
	}
	folder, ok := folders[0].(map[string]any)
	if !ok || folder["uri"] != placeholderURI || folder["name"] != placeholderName {
		return nil, fmt.Errorf("initialize template: workspace folder placeholders missing")
	}
	folder["uri"] = info.Folder.URI
	folder["name"] = info.Folder.Name

	return params, nil
}

// deepCopyMap copies nested maps and slices so template mutation never leaks
// between sessions.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
