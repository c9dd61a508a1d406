package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"hostpanel/session"
)

type ListSessionsArgs struct {
	ConnectionID string `json:"connection_id,omitempty" jsonschema:"only list sessions of this dashboard connection"`
}

// RegisterSessionTools registers list_sessions on the given MCP server.
func RegisterSessionTools(server *mcp.Server, reg *session.Registry) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List the interactive terminal sessions currently open in the dashboard, grouped by connection, with the pid and size of each terminal.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListSessionsArgs) (*mcp.CallToolResult, any, error) {
		if args.ConnectionID != "" {
			return jsonResult(reg.Sessions(args.ConnectionID))
		}
		return jsonResult(reg.All())
	})
}
