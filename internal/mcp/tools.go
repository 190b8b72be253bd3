package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all fulfillment service tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerListRequests(s, client)
	registerRequestDetail(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("vrf_status",
		gomcp.WithDescription("Get current fulfillment service status: cursor and head heights, in-flight attempts, request counts per state."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fulfillment service unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("vrf_health",
		gomcp.WithDescription("Quick health check for the fulfillment service. Checks chain RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fulfillment service unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerListRequests(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("vrf_requests",
		gomcp.WithDescription("List recent randomness requests, optionally filtered by status (pending, submitted, fulfilled, failed)."),
		gomcp.WithString("status",
			gomcp.Description("Filter by status: pending, submitted, fulfilled, failed"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 20, max: 1000)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		path := fmt.Sprintf("/v1/requests?limit=%d", limit)
		if status := req.GetString("status", ""); status != "" {
			path += "&status=" + status
		}

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("List requests failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRequests(raw)), nil
	})
}

func registerRequestDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("vrf_request_detail",
		gomcp.WithDescription("Get the full lifecycle record for a randomness request by its identifier."),
		gomcp.WithNumber("request_id",
			gomcp.Required(),
			gomcp.Description("On-chain request identifier"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetInt("request_id", -1)
		if id < 0 {
			return gomcp.NewToolResultError("request_id is required"), nil
		}
		raw, err := client.Get(fmt.Sprintf("/v1/requests/%d", id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Request detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRequestDetail(raw)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Fulfillment Service Status"),
		kv("Network", getStr(m, "network")),
		kv("Cursor", formatNumber(getNum(m, "cursor"))),
		kv("Head", formatNumber(getNum(m, "head"))),
		kv("Lag", formatNumber(getNum(m, "head")-getNum(m, "cursor"))),
		kv("In Flight", formatNumber(getNum(m, "inFlight"))),
		kv("Uptime", formatSeconds(getNum(m, "uptimeSec"))),
		kv("Poll Interval", formatSeconds(getNum(m, "pollIntervalSec"))),
	)

	if counts, ok := m["counts"].(map[string]any); ok {
		lines += "\n\n" + section("Requests by State")
		for _, state := range []string{"pending", "submitted", "fulfilled", "failed"} {
			lines += "\n" + kv(state, formatNumber(getNum(counts, state)))
		}
	}

	if lastErr := getStr(m, "lastTickError"); lastErr != "" {
		lines += "\n\n" + kv("Last Tick Error", lastErr)
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Fulfillment Service Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatRequests(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing requests: %v", err)
	}

	lines := joinLines(
		section("Randomness Requests"),
		kv("Count", formatNumber(getNum(m, "count"))),
		"",
	)

	requests, ok := m["requests"].([]any)
	if !ok || len(requests) == 0 {
		lines += "No requests found."
		return lines
	}

	for _, r := range requests {
		req, ok := r.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  [%d] %s  block=%d  attempts=%d",
			int64(getNum(req, "requestId")),
			getStr(req, "status"),
			int64(getNum(req, "blockNumber")),
			int64(getNum(req, "attempts")),
		)
		if txHash := getStr(req, "txHash"); txHash != "" {
			line += "  tx=" + txHash
		}
		lines += line + "\n"
	}

	return lines
}

func formatRequestDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing request: %v", err)
	}

	lines := joinLines(
		section(fmt.Sprintf("Request %d", int64(getNum(m, "requestId")))),
		kv("Status", getStr(m, "status")),
		kv("Requester", getStr(m, "requester")),
		kv("Block", formatNumber(getNum(m, "blockNumber"))),
		kv("Attempts", formatNumber(getNum(m, "attempts"))),
	)

	if txHash := getStr(m, "txHash"); txHash != "" {
		lines += "\n" + kv("TX Hash", txHash)
	}
	if lastErr := getStr(m, "lastError"); lastErr != "" {
		lines += "\n" + kv("Last Error", lastErr)
	}
	if updatedAt := getStr(m, "updatedAt"); updatedAt != "" {
		lines += "\n" + kv("Updated", updatedAt)
	}

	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
