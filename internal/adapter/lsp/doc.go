// Package lsp implements the language server session engine: process
// supervision, Content-Length framed JSON-RPC over stdio, request/response
// correlation, server-initiated call routing, and the initialize/shutdown
// lifecycle. Language-specific behavior lives behind the Plugin interface.
package lsp
