// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connection keeps the virtual documents of a notebook in sync with
// their language servers.
//
// A Manager owns the mapping from document language to server connection.
// After every rebuild it pushes didOpen, didChange and didClose for the
// root document and each foreign document, maps published diagnostics back
// to cells, and issues feature requests at cell positions. Responses that
// arrive after the document moved to a newer generation are discarded.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
)

// Sentinel errors for connections.
var (
	// ErrStaleResponse indicates the document changed while a request was in
	// flight. The response was discarded.
	ErrStaleResponse = errors.New("response for stale document generation")

	// ErrDisconnected indicates the language has no live connection and the
	// reconnect limiter refused a new attempt.
	ErrDisconnected = errors.New("language server disconnected")

	// ErrNotSupported indicates the server does not offer the feature.
	ErrNotSupported = errors.New("feature not supported by language server")

	// ErrConnectionLost indicates a previously live connection terminated.
	ErrConnectionLost = errors.New("language server connection lost")
)

// =============================================================================
// CONNECTION
// =============================================================================

// Connection is a live link to one language server.
//
// *lsp.Server satisfies Connection.
type Connection interface {
	Request(ctx context.Context, method string, params, result interface{}) error
	Notify(ctx context.Context, method string, params interface{}) error
	OnNotification(method string, h lsp.NotificationHandler)
	OnRequest(method string, h lsp.RequestHandler)
	Capabilities() lsp.ServerCapabilities
	Done() <-chan struct{}
}

// Connector obtains a connection for a document language.
type Connector interface {
	Connect(ctx context.Context, language string) (Connection, error)
}

// ServerConnector connects through an lsp.Manager, starting servers on
// demand.
type ServerConnector struct {
	Servers *lsp.Manager
}

// Connect implements Connector.
func (c ServerConnector) Connect(ctx context.Context, language string) (Connection, error) {
	srv, err := c.Servers.GetOrSpawn(ctx, language)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, language string) (Connection, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, language string) (Connection, error) {
	return f(ctx, language)
}

// =============================================================================
// STATE
// =============================================================================

// State is the connection state of one language.
type State int

const (
	// StateIdle means no connection was attempted yet.
	StateIdle State = iota

	// StateConnecting means a connection attempt is in progress.
	StateConnecting

	// StateConnected means documents of the language are being synced.
	StateConnected

	// StateDisconnected means the last attempt failed or the connection was
	// lost. Reconnection is rate limited.
	StateDisconnected

	// StateUnsupported means no server is configured for the language.
	StateUnsupported
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateUnsupported; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls reconnection and request timeouts.
type Config struct {
	// ReconnectInterval is the minimum time between connection attempts for
	// one language.
	ReconnectInterval time.Duration `yaml:"interval" validate:"min=0"`

	// ReconnectBurst is the number of attempts allowed back to back.
	ReconnectBurst int `yaml:"burst" validate:"min=1"`

	// RequestTimeout bounds each feature request. Zero means no timeout.
	RequestTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 5 * time.Second,
		ReconnectBurst:    1,
		RequestTimeout:    10 * time.Second,
	}
}
