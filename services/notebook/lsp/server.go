// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// SERVER STATE
// =============================================================================

// ServerState represents the lifecycle state of an LSP server.
type ServerState int

const (
	// ServerStateUninitialized is the initial state before Start is called.
	ServerStateUninitialized ServerState = iota

	// ServerStateStarting means the server process is starting.
	ServerStateStarting

	// ServerStateReady means the server is initialized and ready for requests.
	ServerStateReady

	// ServerStateStopping means the server is shutting down.
	ServerStateStopping

	// ServerStateStopped means the server has terminated.
	ServerStateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// SERVER
// =============================================================================

// Server represents a running LSP server process.
//
// Description:
//
//	Manages the lifecycle of one language server process: starting,
//	the initialize handshake, settings delivery and shutdown. Handlers
//	for server notifications and server requests may be registered
//	before or after Start.
//
// Thread Safety:
//
//	Safe for concurrent use after Start() returns successfully.
type Server struct {
	spec     ServerSpec
	rootPath string
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	protocol     *Protocol
	capabilities ServerCapabilities

	state   ServerState
	stateMu sync.RWMutex

	handlersMu    sync.Mutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	readErr  error

	lastUsed   time.Time
	lastUsedMu sync.Mutex
}

// NewServer creates a new server instance (not started).
//
// Inputs:
//
//	spec - How to run the server
//	rootPath - Absolute path to the workspace root
//	logger - Logger, nil for slog.Default()
//
// Outputs:
//
//	*Server - The configured (but not started) server
func NewServer(spec ServerSpec, rootPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		spec:          spec,
		rootPath:      rootPath,
		logger:        logger.With(slog.String("server", spec.ID)),
		state:         ServerStateUninitialized,
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
		done:          make(chan struct{}),
		lastUsed:      time.Now(),
	}
	s.registerDefaultHandlers()
	return s
}

// registerDefaultHandlers answers the server requests every client must
// support.
func (s *Server) registerDefaultHandlers() {
	ack := func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }
	s.OnRequest("client/registerCapability", ack)
	s.OnRequest("client/unregisterCapability", ack)
	s.OnRequest("window/workDoneProgress/create", ack)
	s.OnRequest("workspace/configuration", s.answerConfiguration)

	s.OnNotification("window/logMessage", func(_ context.Context, params json.RawMessage) {
		var msg struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &msg) == nil {
			s.logger.Debug("lsp server log", slog.Int("type", msg.Type), slog.String("message", msg.Message))
		}
	})
}

// answerConfiguration resolves workspace/configuration items against the
// server settings.
func (s *Server) answerConfiguration(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		Items []struct {
			Section string `json:"section"`
		} `json:"items"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &LSPError{Code: CodeInvalidParams, Message: err.Error()}
	}
	out := make([]interface{}, len(req.Items))
	for i, item := range req.Items {
		out[i] = s.spec.Setting(item.Section)
	}
	return out, nil
}

// Start starts the LSP server process and initializes it.
//
// Description:
//
//	Starts the server process, establishes communication, performs the
//	LSP initialize handshake and sends the configured settings. On
//	success, the server is ready to receive requests.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//
// Outputs:
//
//	error - Non-nil if the server failed to start or initialize
//
// Errors:
//
//	ErrServerNotInstalled - Server binary not found
//	ErrServerAlreadyStarted - Start called on a non-uninitialized server
//	ErrInitializeFailed - LSP initialize handshake failed
//
// Thread Safety:
//
//	Safe for concurrent use, but only the first caller will start the server.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	s.stateMu.Lock()
	if s.state != ServerStateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.stateMu.Unlock()

	ctx, span := tracer.Start(ctx, "Server.Start", trace.WithAttributes(
		attribute.String("lsp.server", s.spec.ID),
		attribute.String("lsp.command", s.spec.Command),
	))
	defer span.End()

	path, err := exec.LookPath(s.spec.Command)
	if err != nil {
		s.cleanup()
		s.logger.Warn("LSP server not installed", slog.String("command", s.spec.Command))
		span.SetStatus(codes.Error, "not installed")
		return fmt.Errorf("%w: %s", ErrServerNotInstalled, s.spec.Command)
	}

	s.logger.Info("Starting LSP server",
		slog.String("command", path),
		slog.String("root_path", s.rootPath),
	)

	// Server context is independent of the caller's context.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.cmd = exec.CommandContext(s.ctx, path, s.spec.Args...)
	s.cmd.Dir = s.rootPath
	if len(s.spec.Env) > 0 {
		s.cmd.Env = append(os.Environ(), s.spec.Env...)
	}

	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		s.cleanup()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		s.cleanup()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start process: %w", err)
	}

	proto := NewProtocol(s.stdout, s.stdin)
	proto.SetLogger(s.logger)
	s.installHandlers(proto)

	go func() {
		err := proto.ReadLoop(s.ctx)
		s.stateMu.Lock()
		s.readErr = err
		crashed := s.state == ServerStateReady || s.state == ServerStateStarting
		s.stateMu.Unlock()
		if crashed && err != nil {
			s.logger.Warn("LSP server connection lost", slog.String("error", err.Error()))
			s.cleanup()
		}
		s.markDone()
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(ctx)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.setState(ServerStateReady)
	s.touchLastUsed()
	recordSpawn(ctx, s.spec.ID)

	s.logger.Info("LSP server ready",
		slog.Bool("completion", s.capabilities.HasCompletionProvider()),
		slog.Bool("hover", s.capabilities.HasHoverProvider()),
		slog.Bool("definition", s.capabilities.HasDefinitionProvider()),
		slog.Bool("rename", s.capabilities.HasRenameProvider()),
		slog.Bool("formatting", s.capabilities.HasFormattingProvider()),
	)
	return nil
}

// installHandlers publishes the protocol and hands it every handler
// registered so far.
func (s *Server) installHandlers(p *Protocol) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	for m, h := range s.notifications {
		p.OnNotification(m, h)
	}
	for m, h := range s.requests {
		p.OnRequest(m, h)
	}
	s.protocol = p
}

// initialize performs the LSP initialize handshake.
func (s *Server) initialize(ctx context.Context) error {
	rootURI := FileURI(s.rootPath)
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization:    &SynchronizationCapabilities{},
				Completion:         &CompletionCapabilities{},
				Hover:              &HoverCapabilities{ContentFormat: []string{"markdown", "plaintext"}},
				Definition:         &DynamicCapabilities{},
				Rename:             &DynamicCapabilities{},
				Formatting:         &DynamicCapabilities{},
				PublishDiagnostics: &PublishDiagnosticsCapabilities{VersionSupport: true},
			},
			Workspace: WorkspaceClientCapabilities{
				ApplyEdit:              true,
				WorkspaceEdit:          &WorkspaceEditClientCapabilities{DocumentChanges: true},
				Configuration:          true,
				DidChangeConfiguration: &DynamicCapabilities{},
			},
		},
		WorkspaceFolders: []WorkspaceFolder{{URI: rootURI, Name: filepath.Base(s.rootPath)}},
	}
	if s.spec.InitializationOptions != nil {
		params.InitializationOptions = s.spec.InitializationOptions
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: initialize result: %v", ErrInvalidResponse, err)
	}
	s.capabilities = result.Capabilities

	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if s.spec.Settings != nil {
		if err := s.protocol.SendNotification("workspace/didChangeConfiguration",
			map[string]interface{}{"settings": s.spec.Settings}); err != nil {
			return fmt.Errorf("send settings: %w", err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down the server.
//
// Description:
//
//	Sends shutdown and exit messages to the server, then waits for the
//	process to terminate. If the server doesn't respond, it is killed.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	s.logger.Info("Shutting down LSP server")

	defer s.cleanup()

	if s.protocol != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)
		_ = s.protocol.SendNotification("exit", nil)
		s.protocol.Close()
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		waitDone := make(chan error, 1)
		go func() { waitDone <- s.cmd.Wait() }()

		select {
		case <-time.After(5 * time.Second):
			_ = s.cmd.Process.Kill()
			<-waitDone
		case <-waitDone:
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return nil
}

// cleanup releases resources and sets state to stopped.
func (s *Server) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.protocol != nil {
		s.protocol.Close()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.setState(ServerStateStopped)
	if s.protocol == nil {
		s.markDone()
	}
}

func (s *Server) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// =============================================================================
// MESSAGING
// =============================================================================

// Request sends a request and decodes the result into result.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method
//	params - Method parameters
//	result - Pointer to decode into, or nil to discard the result
//
// Outputs:
//
//	error - ErrServerNotRunning, a protocol error, an *LSPError or
//	ErrInvalidResponse
func (s *Server) Request(ctx context.Context, method string, params, result interface{}) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	s.touchLastUsed()

	start := time.Now()
	resp, err := s.protocol.SendRequest(ctx, method, params)
	recordRequest(ctx, s.spec.ID, method, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
	}
	return nil
}

// Notify sends a notification to the server.
func (s *Server) Notify(_ context.Context, method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	s.touchLastUsed()
	return s.protocol.SendNotification(method, params)
}

// OnNotification registers a handler for a server notification.
func (s *Server) OnNotification(method string, h NotificationHandler) {
	s.handlersMu.Lock()
	s.notifications[method] = h
	p := s.protocol
	s.handlersMu.Unlock()
	if p != nil {
		p.OnNotification(method, h)
	}
}

// OnRequest registers a handler for a server-initiated request.
func (s *Server) OnRequest(method string, h RequestHandler) {
	s.handlersMu.Lock()
	s.requests[method] = h
	p := s.protocol
	s.handlersMu.Unlock()
	if p != nil {
		p.OnRequest(method, h)
	}
}

// Done is closed once the server has stopped for any reason.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the read loop error after Done is closed.
func (s *Server) Err() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.readErr
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current server state.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// ID returns the server id.
func (s *Server) ID() string { return s.spec.ID }

// Spec returns the server spec.
func (s *Server) Spec() ServerSpec { return s.spec }

// RootPath returns the workspace root path.
func (s *Server) RootPath() string { return s.rootPath }

// Capabilities returns the server capabilities from initialize.
func (s *Server) Capabilities() ServerCapabilities { return s.capabilities }

// LastUsed returns when the server last sent or received a message.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}
