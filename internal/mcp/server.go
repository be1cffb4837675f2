// Package mcp exposes the engine's training state to assistants over the
// Model Context Protocol. All tools are read-only: mutations stay on the
// control API where the UI can confirm them.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/claude/supergym/internal/engine"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// New creates an MCP server with all tools and resources registered.
func New(eng *engine.Engine, version string, log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("SuperGym", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("SuperGym workout sync engine. Query the current session, per-day completion and lock state, the pending sync queue, and the rest-time estimate."),
	)

	h := &handlers{eng: eng, log: log}

	s.AddTools(
		server.ServerTool{Tool: toolGetCurrentSession, Handler: h.getCurrentSession},
		server.ServerTool{Tool: toolGetDayStatus, Handler: h.getDayStatus},
		server.ServerTool{Tool: toolGetPendingSync, Handler: h.getPendingSync},
		server.ServerTool{Tool: toolGetRestTime, Handler: h.getRestTime},
	)

	s.AddResources(
		server.ServerResource{Resource: resStatus, Handler: h.status},
	)

	return s
}

// handlers holds dependencies for MCP tool/resource handlers.
type handlers struct {
	eng *engine.Engine
	log *slog.Logger
}

var resStatus = mcp.NewResource(
	"supergym://status",
	"Engine Status",
	mcp.WithResourceDescription("Snapshot of the sync engine: active session, pending queue depth, realtime and joint-session state"),
	mcp.WithMIMEType("application/json"),
)

func (h *handlers) status(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(h.eng.Status())
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
