package lsp

// LanguageServerConfig defines how to launch a language server for a given
// language. All servers communicate via stdio.
type LanguageServerConfig struct {
	Command  []string       `yaml:"command"`   // e.g. ["gopls", "serve"]
	InitOpts map[string]any `yaml:"init_opts"` // LSP initializationOptions (optional)

	// InitTemplate replaces the built-in initialize parameter body with a
	// server-specific one. It must carry the $rootPath, $rootUri, $uri and
	// $name placeholders, which are substituted at handshake time.
	InitTemplate map[string]any `yaml:"init_template"`
}

// DefaultServers maps language names to their default server launch
// configurations. Entries can be overridden per deployment via config.
var DefaultServers = map[string]LanguageServerConfig{
	"go":         {Command: []string{"gopls", "serve"}},
	"python":     {Command: []string{"pyright-langserver", "--stdio"}},
	"typescript": {Command: []string{"typescript-language-server", "--stdio"}},
	"javascript": {Command: []string{"typescript-language-server", "--stdio"}},
}
