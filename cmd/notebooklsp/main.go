// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command notebooklsp connects Jupyter notebooks to standard language
// servers.
//
// Usage:
//
//	notebooklsp compose analysis.ipynb          # print the virtual documents
//	notebooklsp check analysis.ipynb            # diagnostics per cell
//	notebooklsp format analysis.ipynb --diff    # formatting as a unified diff
//	notebooklsp format analysis.ipynb --write   # format in place
//	notebooklsp watch analysis.ipynb            # re-check on every save
//	notebooklsp serve --port 8090               # HTTP and websocket API
//
// Configuration is read from --config, then $NOTEBOOK_LSP_CONFIG, over
// the built-in defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/logging"
	"github.com/AleutianAI/AleutianNotebookLSP/pkg/ux"
	"github.com/AleutianAI/AleutianNotebookLSP/pkg/validation"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/config"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
)

// errFindings makes the process exit with status 1 without printing an
// extra error line. The command has already reported what it found.
var errFindings = errors.New("findings reported")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errFindings) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// app carries the state shared by all subcommands after the persistent
// pre-run.
type app struct {
	configPath  string
	logLevel    string
	logDir      string
	jsonLogs    bool
	personality string

	cfg     *config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "notebooklsp",
		Short: "Language server integration for Jupyter notebooks",
		Long: `notebooklsp composes the code cells of a notebook into virtual
documents, drives standard language servers over them and maps every
result back to cell coordinates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.logger.Close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to a YAML config (default: $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logDir, "log-dir", "", "Also write JSON logs to this directory")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "log-json", false, "Write console logs as JSON")
	root.PersistentFlags().StringVar(&a.personality, "personality", "",
		"Output style: full, minimal, machine (default: detected)")

	root.AddCommand(
		newComposeCmd(a),
		newCheckCmd(a),
		newFormatCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration and builds the logger and printer.
func (a *app) setup(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.logDir,
		Service: cmd.Name(),
		JSON:    a.jsonLogs,
		Writer:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())

	var personality ux.PersonalityLevel
	if a.personality != "" {
		personality = ux.ParsePersonalityLevel(a.personality)
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), personality)

	a.cfg, err = config.Load(cmd.Context(), a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// servers creates an lsp.Manager rooted at dir.
func (a *app) servers(dir string) (*lsp.Manager, error) {
	specs, err := a.cfg.SpecRegistry()
	if err != nil {
		return nil, err
	}
	return lsp.NewManager(dir, specs, a.cfg.Manager, a.logger.Slog()), nil
}

// openNotebook opens a session on path. withServers starts language
// servers rooted at the notebook's directory. The returned close function
// closes the session and stops the servers.
func (a *app) openNotebook(ctx context.Context, path string, withServers bool) (*session.Session, func(), error) {
	abs, err := validation.ValidateNotebookPath("", path)
	if err != nil {
		return nil, nil, err
	}
	path = abs

	opts := session.Options{Config: a.cfg, Logger: a.logger.Slog()}
	var mgr *lsp.Manager
	if withServers {
		if mgr, err = a.servers(filepath.Dir(abs)); err != nil {
			return nil, nil, err
		}
		opts.Connector = connection.ServerConnector{Servers: mgr}
	}

	s, err := session.OpenFile(ctx, path, opts)
	if err != nil {
		if mgr != nil {
			_ = mgr.ShutdownAll(context.WithoutCancel(ctx))
		}
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx := context.WithoutCancel(ctx)
		s.Close(shutdownCtx)
		if mgr != nil {
			if err := mgr.ShutdownAll(shutdownCtx); err != nil {
				a.logger.Warn("language server shutdown failed", "error", err)
			}
		}
	}
	return s, closeFn, nil
}
