// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp runs language servers for notebook virtual documents.
//
// # Components
//
//   - Protocol: JSON-RPC over Content-Length framed streams, in both
//     directions (client requests, server notifications and server requests)
//   - Server: one language server process and its initialize handshake
//   - SpecRegistry: configured servers, chosen per language by priority
//   - Manager: lazy start-up, start-up deduplication and idle shutdown
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	mgr := lsp.NewManager("/work", nil, lsp.DefaultManagerConfig(), nil)
//	defer mgr.ShutdownAll(context.Background())
//
//	srv, err := mgr.GetOrSpawn(ctx, "python")
//	if err != nil {
//	    return err
//	}
//	var hover lsp.HoverResult
//	err = srv.Request(ctx, "textDocument/hover", params, &hover)
package lsp
