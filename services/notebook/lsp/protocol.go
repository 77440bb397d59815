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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents a JSON-RPC request sent by the client.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC response to a client request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError represents a JSON-RPC error.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// incoming is any message the peer can send: a response, a notification,
// or a request of its own.
type incoming struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// reply answers a request made by the peer. The id is echoed verbatim
// since peers may use string ids.
type reply struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError   `json:"error,omitempty"`
}

// NotificationHandler handles a notification from the peer. Handlers run
// on the read loop and must not block on requests to the same peer.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler answers a request from the peer. The returned value is
// marshalled as the result. Returning an *LSPError selects the error code.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication over a byte stream.
//
// Description:
//
//	Implements the LSP base protocol using Content-Length headers.
//	Correlates responses with pending requests, dispatches notifications
//	to registered handlers and answers requests from the peer.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests
//	and notifications simultaneously.
type Protocol struct {
	reader    *bufio.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan Response
	pendingMu sync.Mutex
	closed    int32 // atomic: 1 if closed

	handlersMu    sync.RWMutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler

	logger *slog.Logger
}

// NewProtocol creates a new protocol handler.
//
// Inputs:
//
//	r - Reader for peer messages (e.g., server stdout)
//	w - Writer for our messages (e.g., server stdin)
//
// Outputs:
//
//	*Protocol - The protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Protocol{
		reader:        reader,
		writer:        w,
		pending:       make(map[int64]chan Response),
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
		logger:        slog.Default(),
	}
}

// SetLogger replaces the logger used for dispatch failures.
func (p *Protocol) SetLogger(l *slog.Logger) {
	if l != nil {
		p.logger = l
	}
}

// OnNotification registers the handler for a notification method,
// replacing any previous handler.
func (p *Protocol) OnNotification(method string, h NotificationHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.notifications[method] = h
}

// OnRequest registers the handler for a request method sent by the peer.
func (p *Protocol) OnRequest(method string, h RequestHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.requests[method] = h
}

// SendRequest sends a request and waits for the response.
//
// Description:
//
//	Sends a JSON-RPC request to the peer and blocks until a response
//	is received or the context is cancelled.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke (e.g., "textDocument/definition")
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	*Response - The peer's response
//	error - Non-nil if sending failed, timed out, or the peer returned an error
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrServerNotRunning
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}

	respCh := make(chan Response, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = p.SendNotification("$/cancelRequest", map[string]int64{"id": id})
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrServerNotRunning
		}
		if resp.Error != nil {
			return nil, &LSPError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		return &resp, nil
	}
}

// SendNotification sends a notification (no response expected).
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrServerNotRunning
	}
	return p.writeMessage(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

// writeMessage marshals and writes a message with Content-Length header.
func (p *Protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := p.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadLoop reads messages from the peer and dispatches them.
//
// Description:
//
//	Continuously reads messages. Responses are matched to pending
//	requests, notifications are passed to their handlers in arrival
//	order, and peer requests are answered from their own goroutine so a
//	slow handler does not stall the loop. Call this in a goroutine.
//
// Inputs:
//
//	ctx - Context for cancellation, also passed to handlers
//
// Outputs:
//
//	error - ErrServerCrashed on EOF, nil after Close, otherwise the read error
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return ErrServerCrashed
			}
			return fmt.Errorf("read: %w", err)
		}

		p.handleMessage(ctx, msg)
	}
}

// readMessage reads a single message from the peer.
func (p *Protocol) readMessage() (json.RawMessage, error) {
	var contentLength int

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)

		if line == "" {
			break
		}

		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			var err error
			contentLength, err = strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", lenStr, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// handleMessage dispatches a received message.
func (p *Protocol) handleMessage(ctx context.Context, msg json.RawMessage) {
	var in incoming
	if err := json.Unmarshal(msg, &in); err != nil {
		p.logger.Warn("dropping malformed lsp message", slog.String("error", err.Error()))
		return
	}

	hasID := len(in.ID) > 0 && string(in.ID) != "null"
	switch {
	case in.Method != "" && hasID:
		go p.serveRequest(ctx, in)
	case in.Method != "":
		p.handlersMu.RLock()
		h, ok := p.notifications[in.Method]
		p.handlersMu.RUnlock()
		if ok {
			h(ctx, in.Params)
		}
	case hasID:
		var id int64
		if err := json.Unmarshal(in.ID, &id); err != nil {
			p.logger.Debug("response with foreign id", slog.String("id", string(in.ID)))
			return
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- Response{JSONRPC: JSONRPCVersion, ID: id, Result: in.Result, Error: in.Error}:
			default:
			}
		}
	}
}

// serveRequest answers one request from the peer.
func (p *Protocol) serveRequest(ctx context.Context, in incoming) {
	out := reply{JSONRPC: JSONRPCVersion, ID: in.ID}

	p.handlersMu.RLock()
	h, ok := p.requests[in.Method]
	p.handlersMu.RUnlock()

	if !ok {
		out.Error = &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + in.Method}
	} else if result, err := h(ctx, in.Params); err != nil {
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			out.Error = &ResponseError{Code: lspErr.Code, Message: lspErr.Message, Data: lspErr.Data}
		} else {
			out.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		}
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			out.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		} else {
			raw := json.RawMessage(data)
			out.Result = &raw
		}
	}

	if atomic.LoadInt32(&p.closed) == 1 {
		return
	}
	if err := p.writeMessage(out); err != nil {
		p.logger.Warn("failed to answer lsp request",
			slog.String("method", in.Method),
			slog.String("error", err.Error()),
		)
	}
}

// Close marks the protocol as closed.
//
// Description:
//
//	Prevents further sends and fails every pending request. Does not
//	close the underlying reader or writer.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) Close() {
	atomic.StoreInt32(&p.closed, 1)

	p.pendingMu.Lock()
	for id, ch := range p.pending {
		select {
		case ch <- Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   &ResponseError{Code: CodeConnectionClosed, Message: "server connection closed"},
		}:
		default:
		}
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}
