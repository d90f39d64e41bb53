package lsp

import (
	"net/url"
	"path/filepath"
	"strings"
)

// FilePathToURI converts an absolute file path to a file:// URI.
func FilePathToURI(path string) string {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// Windows drive paths need a leading slash: file:///C:/...
		path = "/" + path
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}

// URIToFilePath converts a file:// URI back to a native file path.
// Non-file URIs are returned unchanged.
func URIToFilePath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	path := u.Path
	// Strip the extra slash in front of Windows drive letters.
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}
