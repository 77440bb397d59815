// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/extensions"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/api"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		port  int
		debug bool
		root  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notebook HTTP and websocket API",
		Long: `Serves the notebook API under /v1/notebook, /health and /metrics.
Language servers are started on demand with --root as their workspace and
are stopped after the configured idle timeout. Only notebooks inside --root
can be opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = a.cfg.Server.Port
			}
			return a.serve(cmd.Context(), fmt.Sprintf(":%d", port), root, debug || a.cfg.Server.Debug)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default: server.port from config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable gin debug mode and request logging")
	cmd.Flags().StringVar(&root, "root", ".", "Workspace root passed to language servers")
	return cmd
}

func (a *app) serve(ctx context.Context, addr, root string, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	mgr, err := a.servers(absRoot)
	if err != nil {
		return err
	}
	mgr.StartIdleMonitor()

	store := session.NewStore(session.Options{
		Config:    a.cfg,
		Connector: connection.ServerConnector{Servers: mgr},
		Logger:    a.logger.Slog(),
	})
	audit := extensions.NewMemoryAuditLogger(0, a.logger.Slog().With("component", "audit"))
	handlers := api.NewHandlers(store).WithWorkspaceRoot(absRoot).WithAudit(audit)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(handlers, debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	a.printer.Title("Aleutian Notebook LSP")
	a.printer.Info("listening on " + addr)
	a.printer.Muted("workspace " + absRoot)
	a.logger.Info("Starting notebook server", "address", addr, "root", absRoot)

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		a.logger.Info("Shutting down notebook server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("http shutdown failed", "error", serr)
	}
	store.CloseAll(shutdownCtx)
	if serr := audit.Flush(shutdownCtx); serr != nil {
		a.logger.Warn("audit flush failed", "error", serr)
	}
	if serr := mgr.ShutdownAll(shutdownCtx); serr != nil {
		a.logger.Warn("language server shutdown failed", "error", serr)
	}
	if serr := shutdownTelemetry(shutdownCtx); serr != nil {
		a.logger.Warn("telemetry shutdown failed", "error", serr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
