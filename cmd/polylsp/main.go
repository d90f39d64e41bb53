// polylsp runs code intelligence queries against a workspace by managing a
// language server session for it.
//
// Usage:
//
//	polylsp -workspace . -language go -file main.go -line 12 -col 8 definition
//	polylsp -workspace . -language go -file main.go hover
//	polylsp -workspace . -language go capabilities
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/polylsp/polylsp/internal/adapter/ristretto"
	"github.com/polylsp/polylsp/internal/config"
	lsp "github.com/polylsp/polylsp/internal/domain/lsp"
	"github.com/polylsp/polylsp/internal/logger"
	"github.com/polylsp/polylsp/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to polylsp.yaml (default: search working directory)")
		workspace  = flag.String("workspace", ".", "workspace root directory")
		language   = flag.String("language", "go", "language identifier (go, python, typescript, javascript)")
		file       = flag.String("file", "", "file path, relative to the workspace")
		line       = flag.Int("line", 0, "0-based line")
		col        = flag.Int("col", 0, "0-based column")
	)
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		return fmt.Errorf("missing command: definition, references, hover, completion, symbols, diagnostics, or capabilities")
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	queryCache, err := ristretto.New(int64(cfg.Cache.MaxSizeMB) << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer queryCache.Close()

	svc := service.NewIntelService(cfg, queryCache, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			log.Warn("session shutdown", "error", err)
		}
	}()

	path := *file
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(*workspace, path)
	}
	pos := lsp.Position{Line: *line, Character: *col}

	result, err := runQuery(ctx, svc, command, *language, *workspace, path, pos)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runQuery(ctx context.Context, svc *service.IntelService, command, language, workspace, path string, pos lsp.Position) (any, error) {
	needsFile := func() error {
		if path == "" {
			return fmt.Errorf("%s requires -file", command)
		}
		return nil
	}

	switch command {
	case "definition":
		if err := needsFile(); err != nil {
			return nil, err
		}
		return svc.Definition(ctx, language, workspace, path, pos)
	case "references":
		if err := needsFile(); err != nil {
			return nil, err
		}
		return svc.References(ctx, language, workspace, path, pos)
	case "hover":
		if err := needsFile(); err != nil {
			return nil, err
		}
		return svc.Hover(ctx, language, workspace, path, pos)
	case "completion":
		if err := needsFile(); err != nil {
			return nil, err
		}
		if err := svc.OpenDocument(ctx, language, workspace, path); err != nil {
			return nil, err
		}
		return svc.Completion(ctx, language, workspace, path, pos)
	case "symbols":
		if err := needsFile(); err != nil {
			return nil, err
		}
		return svc.DocumentSymbols(ctx, language, workspace, path)
	case "diagnostics":
		if path != "" {
			if err := svc.OpenDocument(ctx, language, workspace, path); err != nil {
				return nil, err
			}
			return svc.Diagnostics(ctx, language, workspace, lsp.FilePathToURI(path))
		}
		return svc.Diagnostics(ctx, language, workspace, "")
	case "capabilities":
		sess, err := svc.SessionFor(ctx, language, workspace)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"state":        sess.State(),
			"serverInfo":   sess.ServerInfo(),
			"capabilities": sess.Capabilities(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}
