package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

var toolGetCurrentSession = mcp.NewTool("get_current_session",
	mcp.WithDescription("Get the active workout session, if any: id, day, start time, and activity clocks."),
)

var toolGetDayStatus = mcp.NewTool("get_day_status",
	mcp.WithDescription("Get completion and lock state for a day: recorded sets, locked flag, and unlock override."),
	mcp.WithNumber("day", mcp.Required(), mcp.Description("Day number within the workout plan")),
)

var toolGetPendingSync = mcp.NewTool("get_pending_sync",
	mcp.WithDescription("Get the pending sync queue depth, broken down by operation kind."),
)

var toolGetRestTime = mcp.NewTool("get_rest_time",
	mcp.WithDescription("Get the current rest-time estimate (seconds between sets) and whether it is manually configured or analytics-derived."),
)

// --- Tool handlers ---

func (h *handlers) getCurrentSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := h.eng.Tracker().Active()
	if active == nil {
		return mcp.NewToolResultText(`{"active":false}`), nil
	}
	result, err := mcp.NewToolResultJSON(active)
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getDayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	day, err := req.RequireInt("day")
	if err != nil {
		return mcp.NewToolResultError("day parameter is required"), nil
	}

	t := h.eng.Tracker()
	out := map[string]any{
		"day":             day,
		"locked":          t.Locked()[day],
		"unlock_override": t.Overrides()[day],
		"sets":            t.Completed()[day],
	}
	result, err := mcp.NewToolResultJSON(out)
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getPendingSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(map[string]any{
		"counts": h.eng.PendingCounts(),
	})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getRestTime(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t := h.eng.Tracker()
	result, err := mcp.NewToolResultJSON(map[string]any{
		"seconds": t.TimeBetweenSets(),
		"manual":  t.ManualTime(),
	})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}
