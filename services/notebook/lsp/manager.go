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
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures the LSP manager.
type ManagerConfig struct {
	// IdleTimeout is how long a server can be idle before being shut down.
	// Set to 0 to disable idle shutdown.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// StartupTimeout is the maximum time to wait for a server to start.
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`

	// RequestTimeout is the default timeout for LSP requests.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DefaultManagerConfig returns sensible defaults for the manager.
//
// Description:
//
//	Returns a configuration with:
//	  - IdleTimeout: 10 minutes
//	  - StartupTimeout: 30 seconds
//	  - RequestTimeout: 10 seconds
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:    10 * time.Minute,
		StartupTimeout: 30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager manages language server processes for a workspace.
//
// Description:
//
//	Resolves a document language to the highest priority configured
//	server and starts it lazily. Servers are keyed by server id, so one
//	process serves every language it is configured for. Concurrent
//	requests for a server that is starting share one start-up.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	rootPath string
	specs    *SpecRegistry
	logger   *slog.Logger

	servers   map[string]*Server
	serversMu sync.RWMutex
	starts    singleflight.Group

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new LSP manager.
//
// Inputs:
//
//	rootPath - Absolute path to the workspace root
//	specs - Server registry, nil for NewDefaultSpecRegistry()
//	config - Manager configuration
//	logger - Logger, nil for slog.Default()
//
// Outputs:
//
//	*Manager - The configured manager
func NewManager(rootPath string, specs *SpecRegistry, config ManagerConfig, logger *slog.Logger) *Manager {
	if specs == nil {
		specs = NewDefaultSpecRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		rootPath: rootPath,
		specs:    specs,
		logger:   logger,
		servers:  make(map[string]*Server),
		stopped:  make(chan struct{}),
	}
}

// GetOrSpawn returns the server for a language, starting it if needed.
//
// Inputs:
//
//	ctx - Context for cancellation and startup timeout
//	language - The document language (e.g., "python", "r")
//
// Outputs:
//
//	*Server - The ready server
//	error - Non-nil if the language is unsupported or the server failed to start
//
// Errors:
//
//	ErrUnsupportedLanguage - No server is configured for the language
//	ErrServerNotInstalled - Server binary not found
//	ErrInitializeFailed - Server initialization failed
//	ErrManagerStopped - ShutdownAll was called
//
// Thread Safety:
//
//	Safe for concurrent use.
func (m *Manager) GetOrSpawn(ctx context.Context, language string) (*Server, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	spec, ok := m.specs.ForLanguage(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return m.spawn(ctx, spec)
}

// GetOrSpawnID returns the server with the given id, starting it if needed.
func (m *Manager) GetOrSpawnID(ctx context.Context, id string) (*Server, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	spec, ok := m.specs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return m.spawn(ctx, spec)
}

func (m *Manager) spawn(ctx context.Context, spec ServerSpec) (*Server, error) {
	select {
	case <-m.stopped:
		return nil, ErrManagerStopped
	default:
	}

	if srv := m.Get(spec.ID); srv != nil {
		return srv, nil
	}

	v, err, _ := m.starts.Do(spec.ID, func() (interface{}, error) {
		// Double-check after winning the start.
		m.serversMu.Lock()
		if srv, ok := m.servers[spec.ID]; ok {
			if srv.State() == ServerStateReady {
				m.serversMu.Unlock()
				return srv, nil
			}
			delete(m.servers, spec.ID)
		}
		m.serversMu.Unlock()

		startCtx := ctx
		if m.config.StartupTimeout > 0 {
			var cancel context.CancelFunc
			startCtx, cancel = context.WithTimeout(ctx, m.config.StartupTimeout)
			defer cancel()
		}

		srv := NewServer(spec, m.rootPath, m.logger)
		if err := srv.Start(startCtx); err != nil {
			return nil, err
		}

		m.serversMu.Lock()
		defer m.serversMu.Unlock()
		select {
		case <-m.stopped:
			go func() { _ = srv.Shutdown(context.Background()) }()
			return nil, ErrManagerStopped
		default:
		}
		m.servers[spec.ID] = srv
		return srv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Server), nil
}

// Get returns the server with the given id if it is running and ready.
func (m *Manager) Get(id string) *Server {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()

	srv, ok := m.servers[id]
	if ok && srv.State() == ServerStateReady {
		return srv
	}
	return nil
}

// Shutdown shuts down the server with the given id. No-op if it is not
// running.
func (m *Manager) Shutdown(ctx context.Context, id string) error {
	m.serversMu.Lock()
	srv, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
	}
	m.serversMu.Unlock()

	if !ok {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ShutdownAll shuts down all servers and stops the manager.
//
// Description:
//
//	Gracefully shuts down all running servers. After this call,
//	GetOrSpawn returns ErrManagerStopped.
//
// Outputs:
//
//	error - Non-nil if any shutdown encountered errors (last error returned)
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.serversMu.Lock()
	servers := m.servers
	m.servers = make(map[string]*Server)
	m.serversMu.Unlock()

	var lastErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IsAvailable reports whether a server is configured for language and its
// binary is installed. Does not start the server.
func (m *Manager) IsAvailable(language string) bool {
	for _, spec := range m.specs.Candidates(language) {
		if _, err := exec.LookPath(spec.Command); err == nil {
			return true
		}
	}
	return false
}

// RunningServers returns the ids of ready servers, sorted.
func (m *Manager) RunningServers() []string {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()

	ids := make([]string, 0, len(m.servers))
	for id, srv := range m.servers {
		if srv.State() == ServerStateReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Config returns the manager configuration.
func (m *Manager) Config() ManagerConfig { return m.config }

// RootPath returns the workspace root path.
func (m *Manager) RootPath() string { return m.rootPath }

// Specs returns the server registry.
func (m *Manager) Specs() *SpecRegistry { return m.specs }

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor starts the idle server cleanup goroutine.
//
// Description:
//
//	Periodically shuts down servers idle for longer than IdleTimeout.
//	The check interval is half the idle timeout. Does nothing if
//	IdleTimeout is 0. The goroutine exits on ShutdownAll.
func (m *Manager) StartIdleMonitor() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	go func() {
		interval := m.config.IdleTimeout / 2
		if interval < time.Second {
			interval = time.Second
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopped:
				return
			case <-ticker.C:
				m.shutdownIdle()
			}
		}
	}()
}

// shutdownIdle shuts down servers that have been idle too long.
func (m *Manager) shutdownIdle() {
	m.serversMu.RLock()
	var idle []string
	for id, srv := range m.servers {
		if srv.State() == ServerStateReady && time.Since(srv.LastUsed()) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.serversMu.RUnlock()

	ctx := context.Background()
	for _, id := range idle {
		m.logger.Info("Shutting down idle LSP server",
			slog.String("server", id),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		_ = m.Shutdown(ctx, id)
	}
}
