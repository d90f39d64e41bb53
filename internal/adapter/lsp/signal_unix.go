//go:build unix

package lsp

import "syscall"

// gracefulStopSignal is sent before force-killing a server process.
var gracefulStopSignal = syscall.SIGTERM
