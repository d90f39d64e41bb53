//go:build windows

package lsp

import "os"

// Windows has no SIGTERM delivery; Kill is the only stop available.
var gracefulStopSignal = os.Kill
