// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrUnknownLanguage indicates no language server is configured for the requested language.
var ErrUnknownLanguage = errors.New("no language server configured for language")

// ErrWorkspaceNotFound indicates the workspace root directory does not exist.
var ErrWorkspaceNotFound = errors.New("workspace root not found")
